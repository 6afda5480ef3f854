// Package query runs prompts against a conversational web UI through a
// remote browser session and packages the streamed answer into a
// QueryResult.
//
// A run goes through five stages: acquire a session, submit the prompt,
// wait for the answer to stop changing, extract the answer and its
// entities, then package the result. Any stage failure ends the run with a
// failure result tagged with that stage. The session is always released.
package query

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/extract"
	"github.com/entrhq/geoprobe/pkg/logging"
	"github.com/entrhq/geoprobe/pkg/metrics"
	"github.com/entrhq/geoprobe/pkg/types"
)

// Default values for engine configuration and request fields.
const (
	DefaultTargetURL         = "https://chatgpt.com/"
	DefaultRequestTimeout    = 180 * time.Second
	DefaultSubmitTimeout     = 30 * time.Second
	DefaultReadyPollInterval = 500 * time.Millisecond
	DefaultPollInterval      = time.Second
	DefaultStabilityWindow   = 3
	MinStabilityWindow       = 2
	DefaultSessionLabel      = "ChatGPT Query"
)

const tracerName = "github.com/entrhq/geoprobe/pkg/query"

// Config tunes the engine.
type Config struct {
	TargetURL         string
	SubmitTimeout     time.Duration
	ReadyPollInterval time.Duration
	PollInterval      time.Duration
	StabilityWindow   int
	SessionTTL        time.Duration
	UserAgent         string
	WebhookTimeout    time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TargetURL:         DefaultTargetURL,
		SubmitTimeout:     DefaultSubmitTimeout,
		ReadyPollInterval: DefaultReadyPollInterval,
		PollInterval:      DefaultPollInterval,
		StabilityWindow:   DefaultStabilityWindow,
		SessionTTL:        browser.DefaultSessionTTL,
		UserAgent:         "geoprobe",
		WebhookTimeout:    DefaultWebhookTimeout,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records run metrics in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the tracer taken from the global otel provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithSleep replaces the wait between polls. Tests use it to run the
// detector without real delays.
func WithSleep(sleep SleepFunc) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithHTTPClient sets the client used for webhook delivery.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) { e.httpClient = client }
}

// WithClock replaces time.Now for duration and deadline accounting.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs queries. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	cfg       Config
	acquirer  *Acquirer
	submitter *Submitter
	detector  *Detector
	extractor *extract.Extractor
	webhooks  *Dispatcher

	metrics    *metrics.Collector
	tracer     trace.Tracer
	logger     *logging.Logger
	sleep      SleepFunc
	httpClient *http.Client
	now        func() time.Time
}

// NewEngine creates an engine that opens sessions through sessions and
// parses answers with extractor.
func NewEngine(cfg Config, sessions *browser.SessionManager, extractor *extract.Extractor, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		extractor: extractor,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NewLogger("query")
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.cfg.TargetURL == "" {
		e.cfg.TargetURL = DefaultTargetURL
	}

	strategy := extractor.Strategy()
	e.acquirer = NewAcquirer(sessions, cfg.SessionTTL, e.metrics, e.logger)
	e.submitter = NewSubmitter(e.cfg.TargetURL, strategy, cfg.SubmitTimeout, cfg.ReadyPollInterval, e.sleep)
	e.detector = NewDetector(strategy, cfg.PollInterval, cfg.StabilityWindow, e.sleep, e.logger)
	e.webhooks = NewDispatcher(e.httpClient, cfg.UserAgent, cfg.WebhookTimeout, e.metrics, e.logger)
	return e
}

// Normalize fills in defaults for optional request fields.
func Normalize(req types.QueryRequest) types.QueryRequest {
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultRequestTimeout
	}
	if req.SessionLabel == "" {
		req.SessionLabel = DefaultSessionLabel
	}
	if req.AnswerFormat == "" {
		req.AnswerFormat = types.AnswerFormatText
	}
	return req
}

// Run executes req and returns its result. It never fails: every error is
// reported inside the result. cancelled is polled between detector polls;
// returning true ends the run with a timeout failure. The request's Timeout
// is enforced independently of cancelled.
func (e *Engine) Run(ctx context.Context, req types.QueryRequest, cancelled func() bool) types.QueryResult {
	req = Normalize(req)
	log := e.logger.With("task_id", req.TaskID)

	ctx, span := e.tracer.Start(ctx, "geoprobe.query",
		trace.WithAttributes(
			attribute.String("geoprobe.task_id", req.TaskID),
			attribute.String("geoprobe.proxy_region", req.ProxyRegion),
			attribute.String("geoprobe.answer_format", string(req.AnswerFormat)),
			attribute.Bool("geoprobe.web_search", req.WebSearchEnabled),
		),
	)
	defer span.End()

	started := e.now()
	var result types.QueryResult
	if err := req.Validate(); err != nil {
		result = packageFailure(req, 0, stageError(types.StageUnknown, err, nil))
	} else {
		ctx, cancel := context.WithTimeout(ctx, req.Timeout)
		defer cancel()

		deadline := started.Add(req.Timeout)
		expired := func() bool {
			if cancelled != nil && cancelled() {
				return true
			}
			return !e.now().Before(deadline)
		}
		result = e.safeExecute(ctx, req, expired, started, log)
	}

	e.metrics.RecordQuery(result.Success, string(result.ErrorStage), time.Duration(result.DurationSeconds*float64(time.Second)))
	if result.Success {
		span.SetStatus(codes.Ok, "")
		log.Infof("query succeeded in %.3fs (country=%s, citations=%d, links=%d, products=%d)",
			result.DurationSeconds, result.CountryCode, len(result.Citations), len(result.LinksAttached), len(result.Products))
	} else {
		span.SetAttributes(attribute.String("geoprobe.error_stage", string(result.ErrorStage)))
		span.SetStatus(codes.Error, result.ErrorReason)
		log.Warnf("query failed at %s stage after %.3fs: %s", result.ErrorStage, result.DurationSeconds, result.ErrorReason)
	}

	e.webhooks.Dispatch(req.WebhookURL, result)
	return result
}

// Wait blocks until pending webhook deliveries have finished.
func (e *Engine) Wait() {
	e.webhooks.Wait()
}

// Close waits for pending webhook deliveries and releases idle connections.
func (e *Engine) Close() {
	e.webhooks.Close()
}

// safeExecute turns a panic in any stage into an unknown-stage failure.
func (e *Engine) safeExecute(ctx context.Context, req types.QueryRequest, expired func() bool, started time.Time, log *logging.Logger) (result types.QueryResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic during query: %v", r)
			result = packageFailure(req, e.now().Sub(started), stageError(types.StageUnknown, fmt.Errorf("internal error: %v", r), nil))
		}
	}()

	ext, country, elapsed, err := e.execute(ctx, req, expired, started, log)
	if err != nil {
		return packageFailure(req, elapsed, err)
	}
	return packageSuccess(req, elapsed, country, ext)
}

// execute runs the stages in order. elapsed is measured up to extraction
// completion or the failing stage, before the session is released.
func (e *Engine) execute(ctx context.Context, req types.QueryRequest, expired func() bool, started time.Time, log *logging.Logger) (ext *extract.Extraction, country string, elapsed time.Duration, err error) {
	acquireCtx, span := e.tracer.Start(ctx, "geoprobe.acquire")
	session, err := e.acquirer.Acquire(acquireCtx, req)
	endSpan(span, err)
	if err != nil {
		return nil, "", e.now().Sub(started), err
	}
	defer e.acquirer.Release(session)

	country = session.CountryCode()
	log.Debugf("stage acquire done (session=%s, country=%s)", session.ID(), country)

	if expired() {
		return nil, country, e.now().Sub(started), stageError(types.StageTimeout, ErrTimeout, fmt.Errorf("budget spent before submission"))
	}

	submitCtx, span := e.tracer.Start(ctx, "geoprobe.submit")
	err = e.submitter.Submit(submitCtx, session, req.Prompt, req.WebSearchEnabled)
	endSpan(span, err)
	if err != nil {
		return nil, country, e.now().Sub(started), err
	}
	log.Debugf("stage submit done")

	detectCtx, span := e.tracer.Start(ctx, "geoprobe.detect")
	outcome := e.detector.Wait(detectCtx, session, expired)
	span.SetAttributes(
		attribute.Int("geoprobe.polls", outcome.Polls),
		attribute.String("geoprobe.detector_state", outcome.State.String()),
	)
	err = outcome.StageErr()
	endSpan(span, err)
	e.metrics.RecordPolls(outcome.Polls)
	if err != nil {
		return nil, country, e.now().Sub(started), err
	}
	log.Debugf("stage detect done after %d polls", outcome.Polls)

	_, span = e.tracer.Start(ctx, "geoprobe.extract")
	ext, err = e.extractor.Extract(outcome.Snapshot, req.AnswerFormat)
	if err != nil {
		err = stageError(types.StageExtraction, ErrExtraction, err)
	}
	if err == nil && ext.Truncated {
		span.SetAttributes(attribute.Bool("geoprobe.answer_truncated", true))
		e.metrics.RecordTruncated(string(req.AnswerFormat))
		log.Warnf("%s answer truncated to %d bytes", req.AnswerFormat, len(ext.Answer))
	}
	endSpan(span, err)
	elapsed = e.now().Sub(started)
	if err != nil {
		return nil, country, elapsed, err
	}
	return ext, country, elapsed, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
