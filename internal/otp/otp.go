// Package otp manages the lifecycle of one-time code challenges sent over
// a delivery channel (SMS, WhatsApp ...). A session moves from pending to
// either verified (deleted on the spot) or expired. Delivering codes is
// left to the caller.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/knadh/twofagateway/internal/phone"
	"github.com/knadh/twofagateway/internal/store"
	"github.com/knadh/twofagateway/pkg/models"
	"github.com/zerodha/logf"
)

const (
	// DefaultTTL is the validity period of a code.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxFailures is the number of wrong codes after which a session is locked.
	DefaultMaxFailures = 5

	codeMin   = 100000
	codeRange = 900000
)

var (
	// ErrNotExist is returned for unknown session IDs.
	ErrNotExist = store.ErrNotExist

	// ErrExpired is returned when resending on an expired session.
	// The challenge has to be set up again.
	ErrExpired = errors.New("the session has expired")

	// ErrSessionExists is returned when creating a session against an ID
	// that has a pending, unexpired session.
	ErrSessionExists = errors.New("a session is already pending against the ID")
)

// Opt represents session manager options.
type Opt struct {
	TTL         time.Duration `koanf:"ttl"`
	RetryBase   time.Duration `koanf:"retry_base"`
	RetryMax    time.Duration `koanf:"retry_max"`
	MaxFailures int           `koanf:"max_failures" validate:"min=0"`

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time `koanf:"-"`
}

// Manager manages the sessions of a single channel.
type Manager struct {
	channel string
	store   store.Store
	opt     Opt
	lo      logf.Logger
}

// New returns a session manager for a channel backed by the given store.
func New(channel string, st store.Store, o Opt, lo logf.Logger) *Manager {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = DefaultRetryMax
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}

	return &Manager{
		channel: channel,
		store:   st,
		opt:     o,
		lo:      lo,
	}
}

// Channel returns the manager's channel.
func (m *Manager) Channel() string {
	return m.channel
}

// TTL returns the validity period of codes.
func (m *Manager) TTL() time.Duration {
	return m.opt.TTL
}

// Now returns the current time on the manager's clock.
func (m *Manager) Now() time.Time {
	return m.opt.Clock()
}

// RetryDelay returns the minimum wait after a send before send number
// attempt is allowed.
func (m *Manager) RetryDelay(attempt int) time.Duration {
	return retryDelay(attempt, m.opt.RetryBase, m.opt.RetryMax)
}

// Create creates a new session against an ID with a fresh code. The
// address isn't validated here; that's the caller's job.
func (m *Manager) Create(ctx context.Context, id, to string) (models.Session, error) {
	code, err := generateCode()
	if err != nil {
		return models.Session{}, err
	}

	now := m.opt.Clock()
	s, err := m.store.Update(ctx, m.channel, id, func(cur models.Session, exists bool) (models.Session, store.Op, error) {
		if exists && !cur.Expired(now) {
			return cur, store.OpKeep, ErrSessionExists
		}

		return models.Session{
			ID:         id,
			Channel:    m.channel,
			To:         to,
			Code:       code,
			ExpiresAt:  now.Add(m.opt.TTL),
			Attempts:   1,
			LastSentAt: now,
		}, store.OpSave, nil
	})
	if err != nil {
		return models.Session{}, err
	}

	m.lo.Debug("created session", "channel", m.channel, "session", id, "to", phone.Mask(to))
	return s, nil
}

// Verify checks a code against the session's code. It returns false if
// the session doesn't exist, has expired, is locked, or the code doesn't
// match. On a match, the session is deleted and can't be verified again.
// An error is returned only if the store fails.
func (m *Manager) Verify(ctx context.Context, id, code string) (bool, error) {
	var (
		now = m.opt.Clock()
		ok  bool
	)

	_, err := m.store.Update(ctx, m.channel, id, func(s models.Session, exists bool) (models.Session, store.Op, error) {
		switch {
		case !exists:
			return s, store.OpKeep, nil
		case s.Expired(now):
			m.lo.Debug("verification on expired session", "channel", m.channel, "session", id)
			return s, store.OpKeep, nil
		case m.isLocked(s):
			m.lo.Info("verification on locked session", "channel", m.channel, "session", id, "failures", s.Failures)
			return s, store.OpKeep, nil
		}

		if subtle.ConstantTimeCompare([]byte(s.Code), []byte(code)) == 1 {
			ok = true
			return s, store.OpDelete, nil
		}

		s.Failures++
		return s, store.OpSave, nil
	})
	if err != nil {
		return false, fmt.Errorf("error verifying session: %w", err)
	}

	return ok, nil
}

// Resend issues a new code on an existing session if the backoff since the
// last send permits it. The expiry is pushed forward, the send attempt is
// counted and failures are reset. A *RateLimitError carries the remaining
// wait if it's too early.
func (m *Manager) Resend(ctx context.Context, id string) (models.Session, error) {
	code, err := generateCode()
	if err != nil {
		return models.Session{}, err
	}

	now := m.opt.Clock()
	s, err := m.store.Update(ctx, m.channel, id, func(s models.Session, exists bool) (models.Session, store.Op, error) {
		if !exists {
			return s, store.OpKeep, ErrNotExist
		}
		if s.Expired(now) {
			return s, store.OpKeep, ErrExpired
		}

		var (
			delay   = m.RetryDelay(s.Attempts + 1)
			elapsed = now.Sub(s.LastSentAt)
		)
		if elapsed < delay {
			return s, store.OpKeep, &RateLimitError{Wait: delay - elapsed}
		}

		exp := now.Add(m.opt.TTL)
		if !exp.After(s.ExpiresAt) {
			exp = s.ExpiresAt.Add(time.Millisecond)
		}

		s.Code = code
		s.ExpiresAt = exp
		s.Attempts++
		s.LastSentAt = now
		s.Failures = 0
		return s, store.OpSave, nil
	})
	if err != nil {
		return s, err
	}

	m.lo.Debug("resent session", "channel", m.channel, "session", id, "attempts", s.Attempts)
	return s, nil
}

// Get returns a session.
func (m *Manager) Get(ctx context.Context, id string) (models.Session, error) {
	return m.store.Get(ctx, m.channel, id)
}

// Remaining returns the time left before the session's code expires.
// It's 0 for expired or unknown sessions.
func (m *Manager) Remaining(ctx context.Context, id string) (time.Duration, error) {
	s, err := m.store.Get(ctx, m.channel, id)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	r := s.ExpiresAt.Sub(m.opt.Clock())
	if r < 0 {
		return 0, nil
	}
	return r, nil
}

// Cleanup deletes all expired sessions. Sessions of all channels sharing
// the store are swept. It's meant to be run periodically by the host.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	n, err := m.store.Sweep(ctx, m.opt.Clock())
	if err != nil {
		return n, fmt.Errorf("error sweeping sessions: %w", err)
	}
	return n, nil
}

// Locked tells if a session has exceeded the allowed wrong attempts.
func (m *Manager) Locked(s models.Session) bool {
	return m.isLocked(s)
}

func (m *Manager) isLocked(s models.Session) bool {
	return m.opt.MaxFailures > 0 && s.Failures >= m.opt.MaxFailures
}

// generateCode returns a cryptographically random 6 digit code
// uniformly distributed over [100000, 999999].
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeRange))
	if err != nil {
		return "", fmt.Errorf("error generating code: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+codeMin), nil
}
