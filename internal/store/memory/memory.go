// Package memory implements a process-local, in-memory store. Sessions
// don't survive restarts and aren't shared between instances. Use the
// Redis store for multi-instance deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/knadh/twofagateway/internal/store"
	"github.com/knadh/twofagateway/pkg/models"
)

// Conf contains in-memory store configuration fields.
type Conf struct {
	// MaxSessions caps the number of sessions held. 0 is unlimited.
	MaxSessions int `koanf:"max_sessions"`
}

// Memory implements an in-memory Store and BackupStore.
type Memory struct {
	conf Conf

	mu       sync.Mutex
	sessions map[string]models.Session

	// Backup codes have their own lock so that slow hash comparisons
	// never hold up session operations.
	bmu    sync.Mutex
	backup map[string][]string
}

// New returns an in-memory implementation of store.
func New(c Conf) *Memory {
	return &Memory{
		conf:     c,
		sessions: make(map[string]models.Session),
		backup:   make(map[string][]string),
	}
}

// Update atomically applies fn to the session saved against an ID.
// The store lock is held for the duration of fn.
func (m *Memory) Update(_ context.Context, channel, id string, fn store.UpdateFunc) (models.Session, error) {
	key := makeKey(channel, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.sessions[key]
	out, op, err := fn(cur, exists)
	if err != nil {
		return out, err
	}

	switch op {
	case store.OpSave:
		if !exists && m.conf.MaxSessions > 0 && len(m.sessions) >= m.conf.MaxSessions {
			return out, store.ErrTooManySessions
		}
		m.sessions[key] = out
	case store.OpDelete:
		delete(m.sessions, key)
	}

	return out, nil
}

// Get returns the session saved against an ID.
func (m *Memory) Get(_ context.Context, channel, id string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[makeKey(channel, id)]
	if !ok {
		return s, store.ErrNotExist
	}
	return s, nil
}

// Delete deletes the session saved against an ID.
func (m *Memory) Delete(_ context.Context, channel, id string) error {
	m.mu.Lock()
	delete(m.sessions, makeKey(channel, id))
	m.mu.Unlock()
	return nil
}

// Sweep deletes sessions that expired before t.
func (m *Memory) Sweep(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, s := range m.sessions {
		if s.Expired(t) {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Len returns the number of sessions held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SetBackupCodes replaces all backup code hashes of an account.
func (m *Memory) SetBackupCodes(_ context.Context, account string, hashes []string) error {
	h := make([]string, len(hashes))
	copy(h, hashes)

	m.bmu.Lock()
	m.backup[account] = h
	m.bmu.Unlock()
	return nil
}

// ConsumeBackupCode removes the first hash that match returns true for.
// match runs on a snapshot of the hashes without any lock held. A matched
// hash is removed only if it's still present, so a code is consumed once
// even under concurrent calls.
func (m *Memory) ConsumeBackupCode(_ context.Context, account string, match func(string) bool) (bool, error) {
	tried := make(map[string]bool)

	for {
		m.bmu.Lock()
		hashes := make([]string, len(m.backup[account]))
		copy(hashes, m.backup[account])
		m.bmu.Unlock()

		found := ""
		for _, h := range hashes {
			if tried[h] {
				continue
			}
			tried[h] = true
			if match(h) {
				found = h
				break
			}
		}
		if found == "" {
			return false, nil
		}

		if m.removeBackupCode(account, found) {
			return true, nil
		}
		// Consumed concurrently. Look for another match in what's left.
	}
}

// CountBackupCodes returns the number of unused codes of an account.
func (m *Memory) CountBackupCodes(_ context.Context, account string) (int, error) {
	m.bmu.Lock()
	defer m.bmu.Unlock()
	return len(m.backup[account]), nil
}

func (m *Memory) removeBackupCode(account, hash string) bool {
	m.bmu.Lock()
	defer m.bmu.Unlock()

	hashes := m.backup[account]
	for i, h := range hashes {
		if h == hash {
			m.backup[account] = append(hashes[:i:i], hashes[i+1:]...)
			return true
		}
	}
	return false
}

func makeKey(channel, id string) string {
	return channel + ":" + id
}
