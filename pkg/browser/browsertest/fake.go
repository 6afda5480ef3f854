// Package browsertest provides in-memory browser sessions for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/entrhq/geoprobe/pkg/browser"
)

// EvalFunc answers a script evaluated in a FakeSession.
type EvalFunc func(ctx context.Context, script string) (string, error)

// FakeSession is a scripted browser.Session.
type FakeSession struct {
	SessionID string
	Country   string

	// Eval answers Evaluate calls. A nil Eval returns "".
	Eval EvalFunc

	// NavigateErr is returned by every Navigate call.
	NavigateErr error

	mu       sync.Mutex
	visited  []string
	closes   atomic.Int32
	closeErr error
}

// NewFakeSession returns a session that answers scripts with eval.
func NewFakeSession(id, country string, eval EvalFunc) *FakeSession {
	return &FakeSession{SessionID: id, Country: country, Eval: eval}
}

func (s *FakeSession) ID() string          { return s.SessionID }
func (s *FakeSession) CountryCode() string { return s.Country }

func (s *FakeSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Closed() {
		return fmt.Errorf("navigation failed: %w", browser.ErrDisconnected)
	}
	s.mu.Lock()
	s.visited = append(s.visited, url)
	s.mu.Unlock()
	return s.NavigateErr
}

func (s *FakeSession) Evaluate(ctx context.Context, script string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Closed() {
		return "", fmt.Errorf("evaluate failed: %w", browser.ErrDisconnected)
	}
	if s.Eval == nil {
		return "", nil
	}
	return s.Eval(ctx, script)
}

func (s *FakeSession) Close() error {
	s.closes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// SetCloseErr makes Close return err.
func (s *FakeSession) SetCloseErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// Visited returns the URLs passed to Navigate, in order.
func (s *FakeSession) Visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visited...)
}

// Closes returns how many times Close was called.
func (s *FakeSession) Closes() int {
	return int(s.closes.Load())
}

// Closed reports whether Close was called at least once.
func (s *FakeSession) Closed() bool {
	return s.closes.Load() > 0
}

// FakeProvider hands out FakeSessions.
type FakeProvider struct {
	// ConnectErr fails every Connect call when set.
	ConnectErr error

	// NewSession builds the session for each Connect. Defaults to a session
	// with an empty Eval.
	NewSession func(opts browser.SessionOptions) *FakeSession

	mu       sync.Mutex
	sessions []*FakeSession
	options  []browser.SessionOptions
	connects int
}

func (p *FakeProvider) Name() string { return "fake" }

func (p *FakeProvider) Connect(ctx context.Context, opts browser.SessionOptions) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.connects++
	p.options = append(p.options, opts)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}

	var session *FakeSession
	if p.NewSession != nil {
		session = p.NewSession(opts)
	} else {
		session = NewFakeSession("", opts.ProxyCountry, nil)
	}
	if session.SessionID == "" {
		session.SessionID = fmt.Sprintf("fake-%d", p.connects)
	}
	if session.Country == "" {
		session.Country = opts.ProxyCountry
	}
	p.sessions = append(p.sessions, session)
	return session, nil
}

// Sessions returns every session handed out so far.
func (p *FakeProvider) Sessions() []*FakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeSession(nil), p.sessions...)
}

// Options returns the options of every Connect call.
func (p *FakeProvider) Options() []browser.SessionOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.SessionOptions(nil), p.options...)
}

// Connects returns how many times Connect was called.
func (p *FakeProvider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}
