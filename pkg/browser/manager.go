package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limits bounds how many sessions are open at once and how fast new ones are
// opened. Zero values disable the corresponding limit.
type Limits struct {
	MaxSessions int
	RatePerSec  float64
	Burst       int
}

// SessionManager opens sessions through a Provider and tracks them until
// they are released.
type SessionManager struct {
	provider Provider
	slots    *semaphore.Weighted
	limiter  *rate.Limiter

	mu       sync.RWMutex
	sessions map[string]*managedSession
	closed   bool
}

// NewSessionManager creates a session manager for provider.
func NewSessionManager(provider Provider, limits Limits) *SessionManager {
	m := &SessionManager{
		provider: provider,
		sessions: make(map[string]*managedSession),
	}
	if limits.MaxSessions > 0 {
		m.slots = semaphore.NewWeighted(int64(limits.MaxSessions))
	}
	if limits.RatePerSec > 0 {
		burst := limits.Burst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(limits.RatePerSec), burst)
	}
	return m
}

// Acquire opens a new session, waiting for a free slot and for the rate
// limiter. The returned session must be closed by the caller; closing it
// more than once is harmless.
func (m *SessionManager) Acquire(ctx context.Context, opts SessionOptions) (Session, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	if m.slots != nil {
		if err := m.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for a session slot: %w", err)
		}
	}
	release := func() {
		if m.slots != nil {
			m.slots.Release(1)
		}
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			release()
			return nil, fmt.Errorf("waiting for session rate limit: %w", err)
		}
	}

	session, err := m.provider.Connect(ctx, opts)
	if err != nil {
		release()
		return nil, err
	}

	managed := &managedSession{
		Session:   session,
		name:      opts.Name,
		ttl:       opts.TTL,
		createdAt: time.Now(),
		release:   release,
	}
	managed.manager = m

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = managed.Close()
		return nil, ErrManagerClosed
	}
	m.sessions[session.ID()] = managed
	m.mu.Unlock()

	return managed, nil
}

func (m *SessionManager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *SessionManager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Active returns the number of sessions currently open.
func (m *SessionManager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ListSessions returns information about all active sessions.
func (m *SessionManager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for id, session := range m.sessions {
		infos = append(infos, SessionInfo{
			ID:          id,
			Name:        session.name,
			CountryCode: session.CountryCode(),
			CreatedAt:   session.createdAt,
			TTL:         session.ttl,
		})
	}
	return infos
}

// CloseExpired closes sessions that have outlived both maxAge and their own
// TTL, and returns how many it closed. A session acquired with a TTL longer
// than maxAge is kept until that TTL has passed. Requests holding a closed
// session see ErrDisconnected on their next call.
func (m *SessionManager) CloseExpired(maxAge time.Duration) (int, error) {
	now := time.Now()

	m.mu.RLock()
	var expired []*managedSession
	for _, session := range m.sessions {
		if now.Sub(session.createdAt) > max(maxAge, session.ttl) {
			expired = append(expired, session)
		}
	}
	m.mu.RUnlock()

	var errs []error
	for _, session := range expired {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return len(expired), errors.Join(errs...)
}

// CloseAll closes all active sessions. Later Acquire calls fail with
// ErrManagerClosed.
func (m *SessionManager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	open := make([]*managedSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		open = append(open, session)
	}
	m.mu.Unlock()

	var errs []error
	for _, session := range open {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing sessions: %w", errors.Join(errs...))
	}
	return nil
}

// SessionInfo contains metadata about an open session.
type SessionInfo struct {
	ID          string
	Name        string
	CountryCode string
	CreatedAt   time.Time
	TTL         time.Duration
}

// managedSession releases its manager slot exactly once, however many times
// it is closed.
type managedSession struct {
	Session
	manager   *SessionManager
	name      string
	ttl       time.Duration
	createdAt time.Time
	release   func()

	closeOnce sync.Once
	closeErr  error
}

func (s *managedSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Session.Close()
		s.manager.forget(s.Session.ID())
		s.release()
	})
	return s.closeErr
}
