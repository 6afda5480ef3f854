package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/entrhq/geoprobe/pkg/logging"
	"github.com/entrhq/geoprobe/pkg/metrics"
	"github.com/entrhq/geoprobe/pkg/types"
)

// DefaultWebhookTimeout bounds a single webhook delivery.
const DefaultWebhookTimeout = 10 * time.Second

// Dispatcher delivers results to caller-supplied callback URLs. Each result
// is posted once; failures are logged and counted, never retried.
type Dispatcher struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	metrics   *metrics.Collector
	logger    *logging.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A nil client uses a dedicated
// http.Client.
func NewDispatcher(client *http.Client, userAgent string, timeout time.Duration, m *metrics.Collector, logger *logging.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		client:    client,
		userAgent: userAgent,
		timeout:   timeout,
		metrics:   m,
		logger:    logger,
	}
}

// Dispatch posts result to url in the background. It returns immediately.
// Results dispatched after Close are dropped and counted as failed.
func (d *Dispatcher) Dispatch(url string, result types.QueryResult) {
	if url == "" {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.metrics.RecordWebhook(false)
		d.logger.Warnf("webhook for task %s dropped: dispatcher closed", result.TaskID)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.Deliver(ctx, url, result); err != nil {
			d.logger.Errorf("webhook for task %s failed: %v", result.TaskID, err)
			return
		}
		d.logger.Debugf("webhook for task %s delivered", result.TaskID)
	}()
}

// Deliver posts result to url and waits for the response. Transport errors
// and non-2xx statuses are reported as ErrWebhookDelivery.
func (d *Dispatcher) Deliver(ctx context.Context, url string, result types.QueryResult) (err error) {
	defer func() {
		d.metrics.RecordWebhook(err == nil)
	}()

	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encode result: %w", ErrWebhookDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWebhookDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	if result.TaskID != "" {
		req.Header.Set("X-Task-Id", result.TaskID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWebhookDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: unexpected status %d", ErrWebhookDelivery, resp.StatusCode)
	}
	return nil
}

// Wait blocks until all background deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting deliveries, waits for pending ones and drops idle
// connections.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	d.client.CloseIdleConnections()
}
