package query

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/extract"
	"github.com/entrhq/geoprobe/pkg/types"
)

// Submitter opens the chat surface and sends the prompt.
type Submitter struct {
	targetURL     string
	strategy      extract.Strategy
	submitTimeout time.Duration
	readyPoll     time.Duration
	sleep         SleepFunc
}

// NewSubmitter creates a submitter for the chat UI at targetURL.
func NewSubmitter(targetURL string, strategy extract.Strategy, submitTimeout, readyPoll time.Duration, sleep SleepFunc) *Submitter {
	if submitTimeout <= 0 {
		submitTimeout = DefaultSubmitTimeout
	}
	if readyPoll <= 0 {
		readyPoll = DefaultReadyPollInterval
	}
	if sleep == nil {
		sleep = Sleep
	}
	return &Submitter{
		targetURL:     targetURL,
		strategy:      strategy,
		submitTimeout: submitTimeout,
		readyPoll:     readyPoll,
		sleep:         sleep,
	}
}

// PageURL returns the URL navigated to for a query.
func (s *Submitter) PageURL(webSearch bool) (string, error) {
	u, err := url.Parse(s.targetURL)
	if err != nil {
		return "", fmt.Errorf("invalid target URL: %w", err)
	}
	if webSearch {
		q := u.Query()
		q.Set("hints", "search")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Submit navigates to the chat surface, waits for the prompt input and
// submits prompt. It does not retry. Failures are navigation-stage errors
// unless the request deadline itself ran out.
func (s *Submitter) Submit(ctx context.Context, session browser.Session, prompt string, webSearch bool) error {
	pageURL, err := s.PageURL(webSearch)
	if err != nil {
		return stageError(types.StageNavigation, ErrNavigation, err)
	}

	subCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	fail := func(err error) error {
		if ctx.Err() != nil {
			return stageError(types.StageTimeout, ErrTimeout, err)
		}
		return stageError(types.StageNavigation, ErrNavigation, err)
	}

	if err := session.Navigate(subCtx, pageURL); err != nil {
		return fail(err)
	}

	if err := s.waitReady(subCtx, session); err != nil {
		return fail(err)
	}

	raw, err := session.Evaluate(subCtx, s.strategy.SubmitScript(prompt))
	if err != nil {
		return fail(fmt.Errorf("submit failed: %w", err))
	}
	res, err := extract.ParseSubmitResult(raw)
	if err != nil {
		return fail(err)
	}
	if !res.OK {
		return fail(fmt.Errorf("submit failed: %s", res.Reason))
	}
	return nil
}

// waitReady polls until the prompt input is interactive. Evaluation errors
// other than a lost page are retried; the page may still be loading.
func (s *Submitter) waitReady(ctx context.Context, session browser.Session) error {
	var lastErr error
	for {
		raw, err := session.Evaluate(ctx, s.strategy.ReadyScript())
		switch {
		case err == nil && extract.ParseReady(raw):
			return nil
		case err != nil && errors.Is(err, browser.ErrDisconnected):
			return err
		case err != nil:
			lastErr = err
		}

		if err := s.sleep(ctx, s.readyPoll); err != nil {
			if lastErr != nil {
				return fmt.Errorf("prompt input not ready: %w (last error: %v)", err, lastErr)
			}
			return fmt.Errorf("prompt input not ready: %w", err)
		}
	}
}
