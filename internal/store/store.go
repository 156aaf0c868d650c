package store

import (
	"context"
	"errors"
	"time"

	"github.com/knadh/twofagateway/pkg/models"
)

var (
	// ErrNotExist is thrown when a session (requested by channel / ID)
	// does not exist.
	ErrNotExist = errors.New("the session does not exist")

	// ErrTooManySessions is thrown when a store's session cap is reached.
	ErrTooManySessions = errors.New("too many active sessions")
)

// Op is the action an UpdateFunc asks the store to take on a session.
type Op int

const (
	// OpKeep leaves the stored session untouched.
	OpKeep Op = iota
	// OpSave persists the returned session.
	OpSave
	// OpDelete deletes the stored session.
	OpDelete
)

// UpdateFunc receives the stored session (exists is false if there is
// none) and returns the session and the action to apply. If it returns an
// error, nothing is written.
type UpdateFunc func(s models.Session, exists bool) (models.Session, Op, error)

// Store represents a storage backend where sessions are stored.
type Store interface {
	// Update atomically loads the session against an ID, hands it to fn,
	// and applies the Op fn returns. No other Update on the same session
	// can interleave. The session returned by fn is returned.
	Update(ctx context.Context, channel, id string, fn UpdateFunc) (models.Session, error)

	// Get returns the session saved against an ID.
	Get(ctx context.Context, channel, id string) (models.Session, error)

	// Delete deletes the session saved against an ID.
	Delete(ctx context.Context, channel, id string) error

	// Sweep deletes all sessions that expired before t and returns
	// the number of sessions deleted.
	Sweep(ctx context.Context, t time.Time) (int, error)

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}

// BackupStore stores hashed backup codes against an account.
type BackupStore interface {
	// SetBackupCodes replaces all backup code hashes of an account.
	SetBackupCodes(ctx context.Context, account string, hashes []string) error

	// ConsumeBackupCode atomically removes the first hash that match
	// returns true for. It returns false if nothing matched.
	ConsumeBackupCode(ctx context.Context, account string, match func(hash string) bool) (bool, error)

	// CountBackupCodes returns the number of unused codes of an account.
	CountBackupCodes(ctx context.Context, account string) (int, error)
}
