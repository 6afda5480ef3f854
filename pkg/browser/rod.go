package browser

import (
	"context"
	"errors"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// RodProvider attaches to remote browsers with go-rod's CDP client. It needs
// no driver process, which makes it the lighter choice for small images.
type RodProvider struct {
	endpoint          Endpoint
	navigationTimeout time.Duration
}

// NewRodProvider creates a provider for the given endpoint.
func NewRodProvider(endpoint Endpoint, navigationTimeout time.Duration) *RodProvider {
	if navigationTimeout <= 0 {
		navigationTimeout = DefaultNavigationTimeout
	}
	return &RodProvider{
		endpoint:          endpoint,
		navigationTimeout: navigationTimeout,
	}
}

// Name returns the provider name.
func (p *RodProvider) Name() string {
	return "rod"
}

// Connect attaches to a fresh remote browser and opens a page.
func (p *RodProvider) Connect(ctx context.Context, opts SessionOptions) (Session, error) {
	controlURL, err := p.endpoint.ConnectURL(opts)
	if err != nil {
		return nil, err
	}

	// Connect under the request context, then detach the browser from it so
	// Close still works after the request deadline has passed.
	connecting := rod.New().ControlURL(controlURL).Context(ctx)
	if err := connecting.Connect(); err != nil {
		return nil, classify("connect", err)
	}
	browser := connecting.Context(context.Background())

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return nil, classify("create page", err)
	}

	return &rodSession{
		id:                uuid.New().String(),
		countryCode:       opts.ProxyCountry,
		browser:           browser,
		page:              page,
		navigationTimeout: p.navigationTimeout,
	}, nil
}

type rodSession struct {
	id                string
	countryCode       string
	browser           *rod.Browser
	page              *rod.Page
	navigationTimeout time.Duration
}

func (s *rodSession) ID() string          { return s.id }
func (s *rodSession) CountryCode() string { return s.countryCode }

// Navigate navigates the page and waits for the load event.
func (s *rodSession) Navigate(ctx context.Context, url string) error {
	page := s.page.Context(ctx).Timeout(timeoutFor(ctx, s.navigationTimeout))
	if err := page.Navigate(url); err != nil {
		return classify("navigation", err)
	}
	return classify("navigation", page.WaitLoad())
}

// Evaluate runs script in the page and returns its value.
func (s *rodSession) Evaluate(ctx context.Context, script string) (string, error) {
	res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           script,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", classify("evaluate", err)
	}
	if res == nil || res.Value.Nil() {
		return "", nil
	}
	return evaluateResult(res.Value.Val())
}

// Close closes the page and the remote browser.
func (s *rodSession) Close() error {
	pageErr := s.page.Close()
	browserErr := s.browser.Close()
	if browserErr != nil {
		return classify("close", errors.Join(pageErr, browserErr))
	}
	return nil
}
