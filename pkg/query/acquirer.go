package query

import (
	"context"
	"time"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/logging"
	"github.com/entrhq/geoprobe/pkg/metrics"
	"github.com/entrhq/geoprobe/pkg/types"
)

// Acquirer opens the per-request browser session and releases it.
type Acquirer struct {
	sessions *browser.SessionManager
	ttl      time.Duration
	metrics  *metrics.Collector
	logger   *logging.Logger
}

// NewAcquirer creates an acquirer backed by sessions.
func NewAcquirer(sessions *browser.SessionManager, ttl time.Duration, m *metrics.Collector, logger *logging.Logger) *Acquirer {
	if ttl <= 0 {
		ttl = browser.DefaultSessionTTL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Acquirer{sessions: sessions, ttl: ttl, metrics: m, logger: logger}
}

// Acquire opens a session for req in its requested region. Every failure is
// a session-stage error.
func (a *Acquirer) Acquire(ctx context.Context, req types.QueryRequest) (browser.Session, error) {
	region, err := browser.NormalizeRegion(req.ProxyRegion)
	if err != nil {
		return nil, stageError(types.StageSession, ErrSession, err)
	}

	// The remote session must outlive the request budget
	ttl := a.ttl
	if req.Timeout > ttl {
		ttl = req.Timeout
	}

	start := time.Now()
	session, err := a.sessions.Acquire(ctx, browser.SessionOptions{
		Name:         req.SessionLabel,
		TTL:          ttl,
		ProxyCountry: region,
		Recording:    req.SessionRecordingEnabled,
	})
	a.metrics.RecordSessionAcquire(time.Since(start))
	if err != nil {
		return nil, stageError(types.StageSession, ErrSession, err)
	}

	a.logger.Debugf("session %s acquired (region=%s)", session.ID(), region)
	return session, nil
}

// Release closes session. Errors are logged, never returned; the session is
// gone either way.
func (a *Acquirer) Release(session browser.Session) {
	if session == nil {
		return
	}
	if err := session.Close(); err != nil {
		a.logger.Warnf("failed to close session %s: %v", session.ID(), err)
		return
	}
	a.logger.Debugf("session %s released", session.ID())
}
