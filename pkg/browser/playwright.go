package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// PlaywrightProvider attaches to remote browsers through the Playwright driver.
type PlaywrightProvider struct {
	mu                sync.Mutex
	endpoint          Endpoint
	playwright        *playwright.Playwright
	initialized       bool
	skipInstall       bool
	connectTimeout    time.Duration
	navigationTimeout time.Duration
}

// PlaywrightOption customizes a PlaywrightProvider.
type PlaywrightOption func(*PlaywrightProvider)

// WithPlaywrightTimeouts overrides the connect and navigation timeouts.
func WithPlaywrightTimeouts(connect, navigation time.Duration) PlaywrightOption {
	return func(p *PlaywrightProvider) {
		if connect > 0 {
			p.connectTimeout = connect
		}
		if navigation > 0 {
			p.navigationTimeout = navigation
		}
	}
}

// WithoutDriverInstall skips the driver download on Initialize, for images
// that ship the driver pre-installed.
func WithoutDriverInstall() PlaywrightOption {
	return func(p *PlaywrightProvider) {
		p.skipInstall = true
	}
}

// NewPlaywrightProvider creates a provider for the given endpoint.
func NewPlaywrightProvider(endpoint Endpoint, opts ...PlaywrightOption) *PlaywrightProvider {
	p := &PlaywrightProvider{
		endpoint:          endpoint,
		connectTimeout:    DefaultConnectTimeout,
		navigationTimeout: DefaultNavigationTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *PlaywrightProvider) Name() string {
	return "playwright"
}

// Initialize installs (unless disabled) and starts the Playwright driver.
// Connect calls it lazily; calling it up front surfaces driver problems at startup.
func (p *PlaywrightProvider) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	// Keep driver output out of the service logs
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if !p.skipInstall {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	p.playwright = pw
	p.initialized = true
	return nil
}

// Connect attaches to a fresh remote browser and opens a page.
func (p *PlaywrightProvider) Connect(ctx context.Context, opts SessionOptions) (Session, error) {
	if err := p.Initialize(); err != nil {
		return nil, err
	}

	wsURL, err := p.endpoint.ConnectURL(opts)
	if err != nil {
		return nil, err
	}

	connectMs := float64(timeoutFor(ctx, p.connectTimeout).Milliseconds())
	// A browser that attaches after ctx is done has no owner; close it so the
	// hosted session does not hold quota until its TTL runs out.
	browser, err := runWithCleanup(ctx, func() (playwright.Browser, error) {
		return p.playwright.Chromium.ConnectOverCDP(wsURL, playwright.BrowserTypeConnectOverCDPOptions{
			Timeout: &connectMs,
		})
	}, func(late playwright.Browser) {
		if late != nil {
			_ = late.Close()
		}
	})
	if err != nil {
		return nil, classify("connect", err)
	}

	// Hosted browsers come with a default context; reuse it so the proxy and
	// fingerprint settings of the session apply to our page.
	var browserCtx playwright.BrowserContext
	if contexts := browser.Contexts(); len(contexts) > 0 {
		browserCtx = contexts[0]
	} else {
		browserCtx, err = browser.NewContext()
		if err != nil {
			_ = browser.Close()
			return nil, classify("create context", err)
		}
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		_ = browser.Close()
		return nil, classify("create page", err)
	}

	page.SetDefaultNavigationTimeout(float64(p.navigationTimeout.Milliseconds()))

	return &playwrightSession{
		id:                uuid.New().String(),
		countryCode:       opts.ProxyCountry,
		browser:           browser,
		page:              page,
		navigationTimeout: p.navigationTimeout,
	}, nil
}

// Shutdown stops the Playwright driver.
func (p *PlaywrightProvider) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized && p.playwright != nil {
		if err := p.playwright.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		p.initialized = false
	}
	return nil
}

type playwrightSession struct {
	id                string
	countryCode       string
	browser           playwright.Browser
	page              playwright.Page
	navigationTimeout time.Duration
}

func (s *playwrightSession) ID() string          { return s.id }
func (s *playwrightSession) CountryCode() string { return s.countryCode }

// Navigate navigates the session's page to the specified URL.
func (s *playwrightSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	waitUntil := playwright.WaitUntilState("domcontentloaded")
	timeout := float64(timeoutFor(ctx, s.navigationTimeout).Milliseconds())
	_, err := runWithContext(ctx, func() (playwright.Response, error) {
		return s.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: &waitUntil,
			Timeout:   &timeout,
		})
	})
	return classify("navigation", err)
}

// Evaluate runs script in the page.
func (s *playwrightSession) Evaluate(ctx context.Context, script string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	result, err := runWithContext(ctx, func() (interface{}, error) {
		return s.page.Evaluate(script)
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTargetClosed) {
			return "", fmt.Errorf("evaluate failed: %w: %v", ErrDisconnected, err)
		}
		return "", classify("evaluate", err)
	}
	return evaluateResult(result)
}

// Close closes the page and disconnects from the remote browser, which ends
// the hosted session.
func (s *playwrightSession) Close() error {
	pageErr := s.page.Close()
	browserErr := s.browser.Close()
	if browserErr != nil {
		return classify("close", errors.Join(pageErr, browserErr))
	}
	// A page error alone is expected when the remote already dropped it.
	return nil
}
