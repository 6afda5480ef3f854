// Package metrics exposes Prometheus metrics for query runs, browser
// sessions, webhook deliveries and the HTTP API.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "geoprobe"

// Collector records geoprobe metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	detectorPolls    prometheus.Histogram
	sessionAcquire   prometheus.Histogram
	answersTruncated *prometheus.CounterVec
	webhooksTotal    *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	registerer       prometheus.Registerer
	namespace        string
	logger           *zap.Logger
}

// NewCollector registers the geoprobe metrics with reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		registerer: reg,
		namespace:  namespace,
		logger:     logger.With(zap.String("component", "metrics")),
	}

	c.queriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of queries by outcome and failing stage",
		},
		[]string{"outcome", "stage"},
	)

	c.queryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query duration from session acquisition to extraction",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180, 300},
		},
		[]string{"outcome"},
	)

	c.detectorPolls = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_polls",
			Help:      "Number of page polls until the detector settled",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
		},
	)

	c.sessionAcquire = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_acquire_seconds",
			Help:      "Time spent waiting for and opening a browser session",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.answersTruncated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_truncated_total",
			Help:      "Total number of answers cut at the configured length cap",
		},
		[]string{"format"},
	)

	c.webhooksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	c.httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method", "path"},
	)

	return c
}

// WatchActiveSessions exposes active() as the active sessions gauge.
func (c *Collector) WatchActiveSessions(active func() int) error {
	if c == nil {
		return nil
	}
	gauge := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "active_sessions",
			Help:      "Number of browser sessions currently held",
		},
		func() float64 { return float64(active()) },
	)
	if err := c.registerer.Register(gauge); err != nil {
		return fmt.Errorf("failed to register active sessions gauge: %w", err)
	}
	return nil
}

// RecordQuery records one finished query. stage is empty on success.
func (c *Collector) RecordQuery(success bool, stage string, duration time.Duration) {
	if c == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
		stage = "none"
	}
	c.queriesTotal.WithLabelValues(outcome, stage).Inc()
	c.queryDuration.WithLabelValues(outcome).Observe(duration.Seconds())

	c.logger.Debug("query recorded",
		zap.String("outcome", outcome),
		zap.String("stage", stage),
		zap.Duration("duration", duration),
	)
}

// RecordPolls records how many polls the completion detector needed.
func (c *Collector) RecordPolls(polls int) {
	if c == nil {
		return
	}
	c.detectorPolls.Observe(float64(polls))
}

// RecordSessionAcquire records the time spent acquiring a session.
func (c *Collector) RecordSessionAcquire(duration time.Duration) {
	if c == nil {
		return
	}
	c.sessionAcquire.Observe(duration.Seconds())
}

// RecordTruncated records an answer cut at the length cap.
func (c *Collector) RecordTruncated(format string) {
	if c == nil {
		return
	}
	c.answersTruncated.WithLabelValues(format).Inc()
	c.logger.Debug("answer truncated", zap.String("format", format))
}

// RecordWebhook records a webhook delivery outcome.
func (c *Collector) RecordWebhook(delivered bool) {
	if c == nil {
		return
	}
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	c.webhooksTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
