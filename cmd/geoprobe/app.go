package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/config"
	"github.com/entrhq/geoprobe/pkg/logging"
	"github.com/entrhq/geoprobe/pkg/metrics"
	"github.com/entrhq/geoprobe/pkg/query"
)

// app wires the configured components together.
type app struct {
	cfg      *config.Config
	provider browser.Provider
	sessions *browser.SessionManager
	registry *prometheus.Registry
	metrics  *metrics.Collector
	engine   *query.Engine
	logger   *logging.Logger
}

type initializer interface {
	Initialize() error
}

type shutdowner interface {
	Shutdown() error
}

// newApp builds the engine stack. With initialize set, drivers that need a
// startup step (Playwright) are started eagerly.
func newApp(cfg *config.Config, initialize bool) (*app, error) {
	logger := logging.NewLogger("geoprobe")

	provider, err := cfg.NewProvider()
	if err != nil {
		return nil, err
	}
	if p, ok := provider.(initializer); ok && initialize {
		if err := p.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize %s provider: %w", provider.Name(), err)
		}
	}

	extractor, err := cfg.Extractor()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(metrics.DefaultNamespace, registry, logging.NewLogger("metrics").Zap())

	sessions := browser.NewSessionManager(provider, cfg.SessionLimits())
	if err := collector.WatchActiveSessions(sessions.Active); err != nil {
		return nil, err
	}

	engine := query.NewEngine(cfg.Engine(), sessions, extractor,
		query.WithLogger(logging.NewLogger("query")),
		query.WithMetrics(collector),
	)

	logger.Infof("using %s provider, strategy %s", provider.Name(), extractor.Strategy().Version)
	return &app{
		cfg:      cfg,
		provider: provider,
		sessions: sessions,
		registry: registry,
		metrics:  collector,
		engine:   engine,
		logger:   logger,
	}, nil
}

// close force-closes leftover sessions, drains webhooks and stops the driver.
func (a *app) close() error {
	var errs []error
	for _, s := range a.sessions.ListSessions() {
		a.logger.Warnf("force-closing session %s (%s) open since %s", s.ID, s.Name, s.CreatedAt.Format(time.RFC3339))
	}
	if err := a.sessions.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	a.engine.Close()
	if p, ok := a.provider.(shutdowner); ok {
		if err := p.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	// Sync on a terminal stderr fails with EINVAL; there is nothing to flush.
	_ = a.logger.Close()
	return errors.Join(errs...)
}
