// Package server exposes the query engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/geoprobe/pkg/logging"
	"github.com/entrhq/geoprobe/pkg/metrics"
	"github.com/entrhq/geoprobe/pkg/types"
)

// QueryPath is the query endpoint.
const QueryPath = "/api/chatgpt/query"

const maxBodyBytes = 1 << 20

// Runner executes one query. *query.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, req types.QueryRequest, cancelled func() bool) types.QueryResult
}

// Config controls the HTTP listener.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
}

// Server serves the query API.
type Server struct {
	runner   Runner
	logger   *logging.Logger
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	now      func() time.Time

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	errCh    chan error
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records request metrics in c and serves g on /metrics.
// g may be nil to skip the endpoint.
func WithMetrics(c *metrics.Collector, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = c
		s.gatherer = g
	}
}

// New creates a server for runner.
func New(runner Runner, opts ...Option) *Server {
	s := &Server{
		runner: runner,
		now:    time.Now,
		errCh:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("server")
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST "+QueryPath, QueryPath, http.HandlerFunc(s.handleQuery))
	s.route(mux, "GET /healthz", "/healthz", http.HandlerFunc(s.handleHealth))
	if s.gatherer != nil {
		s.route(mux, "GET /metrics", "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return recovery(s.logger)(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern, label string, h http.Handler) {
	mux.Handle(pattern, instrument(label, s.metrics, s.logger)(h))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body queryBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The result is still produced (and delivered to the webhook) when the
	// client goes away, so the run is detached from the request context.
	started := s.now()
	cancelled := func() bool {
		return s.now().Sub(started) > req.Timeout
	}
	result := s.runner.Run(context.WithoutCancel(r.Context()), req, cancelled)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.http != nil {
		return fmt.Errorf("server already started")
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
	s.logger.Infof("listening on %s", ln.Addr())

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("http server failed: %v", err)
			s.errCh <- err
		}
	}(s.http)
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Errors reports a failure of the serve loop.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Shutdown stops accepting requests and waits for in-flight queries.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Infof("shutting down http server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
