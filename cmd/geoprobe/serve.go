package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrhq/geoprobe/pkg/config"
	"github.com/entrhq/geoprobe/pkg/logging"
	"github.com/entrhq/geoprobe/pkg/server"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP query API",
		Long: `Serves POST /api/chatgpt/query, GET /healthz and GET /metrics until
interrupted. Sessions still open at shutdown are force-closed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithLogger(logging.NewLogger("server"))}
	if cfg.Server.MetricsEnabled {
		opts = append(opts, server.WithMetrics(a.metrics, a.registry))
	}
	srv := server.New(a.engine, opts...)
	if err := srv.Start(server.Config{
		Addr:        cfg.Server.Addr,
		ReadTimeout: cfg.Server.ReadTimeout,
	}); err != nil {
		_ = a.close()
		return err
	}

	reapCtx, stopReaper := context.WithCancel(ctx)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reapSessions(reapCtx, a, cfg.Limits.SessionMaxAge)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Infof("received shutdown signal")
	case serveErr = <-srv.Errors():
	}
	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Errorf("%v", err)
	}
	<-reaperDone
	if err := a.close(); err != nil {
		a.logger.Errorf("shutdown: %v", err)
	}
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// reapSessions closes sessions older than maxAge until ctx is done. A
// non-positive maxAge disables reaping.
func reapSessions(ctx context.Context, a *app, maxAge time.Duration) {
	if maxAge <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(maxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.sessions.CloseExpired(maxAge)
			if err != nil {
				a.logger.Warnf("closing expired sessions: %v", err)
			}
			if n > 0 {
				a.logger.Warnf("closed %d sessions older than %s", n, maxAge)
			}
		}
	}
}
