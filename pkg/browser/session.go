package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// evaluateResult converts a provider evaluation value into the string form
// returned by Session.Evaluate.
func evaluateResult(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("unserializable evaluation result: %w", err)
		}
		return string(b), nil
	}
}

// disconnectMarkers are substrings automation libraries use when the page,
// target or websocket has gone away.
var disconnectMarkers = []string{
	"target closed",
	"target page, context or browser has been closed",
	"browser has been closed",
	"connection closed",
	"websocket: close",
	"use of closed network connection",
	"broken pipe",
	"connection reset",
	"session closed",
	"no target with given id",
}

// isDisconnect reports whether err looks like a lost page or connection.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisconnected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range disconnectMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classify wraps err with ErrDisconnected when it signals a lost page, and
// redacts credentials from the message.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDisconnect(err) && !errors.Is(err, ErrDisconnected) {
		return fmt.Errorf("%s failed: %w: %s", op, ErrDisconnected, Redact(err.Error()))
	}
	return fmt.Errorf("%s failed: %w", op, redactedError{err})
}

// redactedError keeps the wrapped chain for errors.Is/As but scrubs the text.
type redactedError struct{ err error }

func (e redactedError) Error() string { return Redact(e.err.Error()) }
func (e redactedError) Unwrap() error { return e.err }

// timeoutFor returns the time left before ctx's deadline, capped at fallback.
func timeoutFor(ctx context.Context, fallback time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	left := time.Until(deadline)
	if left <= 0 {
		return time.Millisecond
	}
	if fallback > 0 && left > fallback {
		return fallback
	}
	return left
}

// runWithContext runs fn on its own goroutine so that a blocking provider call
// without context support still returns when ctx is done. The provider call is
// left to finish (or fail once the session is closed) in the background.
func runWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return runWithCleanup(ctx, fn, nil)
}

// runWithCleanup is runWithContext for calls that create resources. When ctx
// is done first, a value fn still produces afterwards is passed to cleanup.
func runWithCleanup[T any](ctx context.Context, fn func() (T, error), cleanup func(T)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		if cleanup != nil {
			go func() {
				if out := <-done; out.err == nil {
					cleanup(out.val)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}
