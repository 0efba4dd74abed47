// ABOUTME: TTL-aware session access over the persistent store.
// ABOUTME: Stale sessions read as absent; a background sweeper prunes them.

// Package session layers a time-to-live policy over persisted conversation
// sessions. A session whose last update is older than the TTL is treated as
// if it never existed, so returning users start from a clean greeting.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentline/gateway/internal/store"
)

// ErrNotFound reports that no live session exists for the user.
var ErrNotFound = errors.New("session not found")

// Manager mediates session reads and writes, applying the TTL on read.
// A small write-through cache sits in front of the store; the store row is
// always written first, so the cache is never the only copy.
type Manager struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]store.Session

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
	closeOnce     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. ttl bounds session idleness; sweepInterval
// controls how often expired rows are deleted (0 disables the sweeper).
func NewManager(s store.Store, ttl, sweepInterval time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:         s,
		ttl:           ttl,
		now:           time.Now,
		cache:         make(map[string]store.Session),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if sweepInterval > 0 {
		go m.runSweeper()
	} else {
		close(m.sweepDone)
	}
	return m
}

// Get returns the user's session, or ErrNotFound if none exists or the
// stored one has gone stale. Stale rows are left for the sweeper.
func (m *Manager) Get(ctx context.Context, userID string) (*store.Session, error) {
	m.mu.Lock()
	if cached, ok := m.cache[userID]; ok {
		m.mu.Unlock()
		if m.now().UTC().Sub(cached.UpdatedAt) > m.ttl {
			m.evict(userID)
			return nil, ErrNotFound
		}
		out := cached
		return &out, nil
	}
	m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}

	if m.now().UTC().Sub(sess.UpdatedAt) > m.ttl {
		slog.Debug("session expired", "user_id", userID, "updated_at", sess.UpdatedAt)
		return nil, ErrNotFound
	}

	m.mu.Lock()
	m.cache[userID] = *sess
	m.mu.Unlock()
	return sess, nil
}

// Put persists the session, stamping UpdatedAt so the TTL window restarts.
func (m *Manager) Put(ctx context.Context, sess *store.Session) error {
	nowUTC := m.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = nowUTC
	}
	sess.UpdatedAt = nowUTC

	if err := m.store.PutSession(ctx, sess); err != nil {
		return fmt.Errorf("putting session: %w", err)
	}

	m.mu.Lock()
	m.cache[sess.UserID] = *sess
	m.mu.Unlock()
	return nil
}

func (m *Manager) evict(userID string) {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
}

// Fresh returns a new greeting-state session for the user. Nothing is
// persisted until Put.
func (m *Manager) Fresh(userID string) *store.Session {
	return &store.Session{
		UserID: userID,
		State:  store.StateGreeting,
	}
}

// Close stops the background sweeper.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.stopSweep) })
	<-m.sweepDone
}

func (m *Manager) runSweeper() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cutoff := m.now().UTC().Add(-m.ttl)

	m.mu.Lock()
	for userID, cached := range m.cache {
		if cached.UpdatedAt.Before(cutoff) {
			delete(m.cache, userID)
		}
	}
	m.mu.Unlock()

	n, err := m.store.DeleteSessionsIdleBefore(ctx, cutoff)
	if err != nil {
		slog.Warn("session sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("swept expired sessions", "count", n)
	}
}
