package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/knadh/twofagateway/internal/store"
	"github.com/knadh/twofagateway/pkg/models"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 10

var errTxRetries = errors.New("too many concurrent updates to session")

// Redis implements a Redis Store and BackupStore.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`

	// Sessions are kept in Redis for this long after they expire so that
	// the sweeper, and not Redis, decides when they're gone.
	Retention time.Duration `json:"retention"`

	// If this is set, 'save' and 'delete' events are PUBLISHed
	// to this Redis key (Redis PubSub). Codes are never published.
	PublishKey string `json:"publish_key"`
}

// record is the Redis hash representation of a session.
type record struct {
	ID         string `redis:"id"`
	Channel    string `redis:"channel"`
	To         string `redis:"to"`
	Code       string `redis:"code"`
	ExpiresAt  int64  `redis:"expires_at"`
	Attempts   int    `redis:"attempts"`
	LastSentAt int64  `redis:"last_sent_at"`
	Failures   int    `redis:"failures"`
}

type event struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data"`
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "2FA"
	}
	if c.Retention < time.Second {
		c.Retention = time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Update atomically applies fn to the session saved against an ID. The key
// is WATCHed and the write happens in a MULTI/EXEC transaction. If the key
// is modified between the read and the write, the whole read-modify-write
// is retried.
func (r *Redis) Update(ctx context.Context, channel, id string, fn store.UpdateFunc) (models.Session, error) {
	var (
		key = r.makeKey(channel, id)
		out models.Session
		op  store.Op
	)

	txf := func(tx *redis.Tx) error {
		cur, exists, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}

		var fnErr error
		out, op, fnErr = fn(cur, exists)
		if fnErr != nil {
			return fnErr
		}

		switch op {
		case store.OpSave:
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HMSet(ctx, key, toFields(out)...)
				pipe.PExpireAt(ctx, key, r.expireAt(out))
				return nil
			})
		case store.OpDelete:
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return out, err
		}

		if err := r.publish(ctx, op, out); err != nil {
			return out, err
		}
		return out, nil
	}

	return out, errTxRetries
}

// Get returns the session saved against an ID.
func (r *Redis) Get(ctx context.Context, channel, id string) (models.Session, error) {
	s, ok, err := r.get(ctx, r.client, r.makeKey(channel, id))
	if err != nil {
		return s, err
	}
	if !ok {
		return s, store.ErrNotExist
	}
	return s, nil
}

// Delete deletes the session saved against an ID.
func (r *Redis) Delete(ctx context.Context, channel, id string) error {
	if err := r.client.Del(ctx, r.makeKey(channel, id)).Err(); err != nil {
		return err
	}
	return nil
}

// Sweep scans all session keys and deletes the ones that expired before t.
func (r *Redis) Sweep(ctx context.Context, t time.Time) (int, error) {
	var (
		n    = 0
		iter = r.client.Scan(ctx, 0, r.conf.KeyPrefix+":session:*", 100).Iterator()
		ms   = t.UnixMilli()
	)

	for iter.Next(ctx) {
		key := iter.Val()

		deleted := false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			exp, err := tx.HGet(ctx, key, "expires_at").Int64()
			if err == redis.Nil {
				return nil
			} else if err != nil {
				return err
			}
			if exp >= ms {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			deleted = err == nil
			return err
		}, key)

		// The session was touched mid-sweep (eg: a resend). Leave it for the next run.
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}

	return n, iter.Err()
}

// SetBackupCodes replaces all backup code hashes of an account.
func (r *Redis) SetBackupCodes(ctx context.Context, account string, hashes []string) error {
	key := r.makeBackupKey(account)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(hashes) > 0 {
			vals := make([]interface{}, len(hashes))
			for i, h := range hashes {
				vals[i] = h
			}
			pipe.SAdd(ctx, key, vals...)
		}
		return nil
	})
	return err
}

// ConsumeBackupCode atomically removes the first hash that match returns true for.
func (r *Redis) ConsumeBackupCode(ctx context.Context, account string, match func(string) bool) (bool, error) {
	key := r.makeBackupKey(account)

	for i := 0; i < maxTxRetries; i++ {
		found := false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			hashes, err := tx.SMembers(ctx, key).Result()
			if err != nil {
				return err
			}

			for _, h := range hashes {
				if !match(h) {
					continue
				}

				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.SRem(ctx, key, h)
					return nil
				})
				found = err == nil
				return err
			}
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return found, err
	}

	return false, errTxRetries
}

// CountBackupCodes returns the number of unused codes of an account.
func (r *Redis) CountBackupCodes(ctx context.Context, account string) (int, error) {
	n, err := r.client.SCard(ctx, r.makeBackupKey(account)).Result()
	return int(n), err
}

// hashGetter is satisfied by both the client and a transaction.
type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// get retrieves a session from Redis. c is either the client or a
// transaction that has the key WATCHed.
func (r *Redis) get(ctx context.Context, c hashGetter, key string) (models.Session, bool, error) {
	var out record

	cmd := c.HGetAll(ctx, key)
	if err := cmd.Err(); err != nil {
		return models.Session{}, false, err
	}

	// Doesn't exist?
	if len(cmd.Val()) == 0 {
		return models.Session{}, false, nil
	}

	if err := cmd.Scan(&out); err != nil {
		return models.Session{}, false, err
	}

	return models.Session{
		ID:         out.ID,
		Channel:    out.Channel,
		To:         out.To,
		Code:       out.Code,
		ExpiresAt:  time.UnixMilli(out.ExpiresAt),
		Attempts:   out.Attempts,
		LastSentAt: time.UnixMilli(out.LastSentAt),
		Failures:   out.Failures,
	}, true, nil
}

// publish publishes a session event if there's a configured PublishKey.
func (r *Redis) publish(ctx context.Context, op store.Op, s models.Session) error {
	if r.conf.PublishKey == "" {
		return nil
	}

	typ := ""
	switch op {
	case store.OpSave:
		typ = "save"
	case store.OpDelete:
		typ = "delete"
	default:
		return nil
	}

	// The code field is omitted by the model's JSON tags.
	b, _ := json.Marshal(s)
	e, _ := json.Marshal(event{
		Type:    typ,
		Channel: s.Channel,
		ID:      s.ID,
		Data:    json.RawMessage(b),
	})
	return r.client.Publish(ctx, r.conf.PublishKey, e).Err()
}

// expireAt returns the time the Redis key of a session expires at: its
// expiry plus the retention period. Saves that don't change ExpiresAt
// (eg: counting a failed verification) don't extend the key.
func (r *Redis) expireAt(s models.Session) time.Time {
	return s.ExpiresAt.Add(r.conf.Retention)
}

// makeKey makes the Redis key for a session.
func (r *Redis) makeKey(channel, id string) string {
	return fmt.Sprintf("%s:session:%s:%s", r.conf.KeyPrefix, channel, id)
}

// makeBackupKey makes the Redis key for an account's backup codes.
func (r *Redis) makeBackupKey(account string) string {
	return fmt.Sprintf("%s:backup:%s", r.conf.KeyPrefix, account)
}

func toFields(s models.Session) []interface{} {
	return []interface{}{
		"id", s.ID,
		"channel", s.Channel,
		"to", s.To,
		"code", s.Code,
		"expires_at", s.ExpiresAt.UnixMilli(),
		"attempts", s.Attempts,
		"last_sent_at", s.LastSentAt.UnixMilli(),
		"failures", s.Failures,
	}
}
