// Package config loads geoprobe's runtime configuration.
//
// Values are layered: DefaultConfig, then an optional YAML file, then
// environment variables. Command line flags are applied by the caller.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/extract"
	"github.com/entrhq/geoprobe/pkg/logging"
	"github.com/entrhq/geoprobe/pkg/query"
)

// Provider kinds.
const (
	ProviderPlaywright = "playwright"
	ProviderRod        = "rod"
)

// EnvAPIKey is the hosted browser token variable the original deployment used.
const EnvAPIKey = "SCRAPELESS_API_KEY"

// Config is the full geoprobe configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Target     TargetConfig     `yaml:"target"`
	Detector   DetectorConfig   `yaml:"detector"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Limits     LimitsConfig     `yaml:"limits"`
	Logging    logging.Options  `yaml:"logging"`

	// path is the file the config was read from, if any.
	path string
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
}

// ProviderConfig selects and configures the hosted browser adapter.
type ProviderConfig struct {
	Kind              string        `yaml:"kind"`
	Endpoint          string        `yaml:"endpoint"`
	APIKey            string        `yaml:"api_key"`
	SkipInstall       bool          `yaml:"skip_install"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
}

// TargetConfig describes the chat page being driven.
type TargetConfig struct {
	URL               string        `yaml:"url"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	ReadyPollInterval time.Duration `yaml:"ready_poll_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// DetectorConfig tunes completion detection.
type DetectorConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	StabilityWindow int           `yaml:"stability_window"`
}

// ExtractionConfig picks the selector strategy.
type ExtractionConfig struct {
	Strategy      string            `yaml:"strategy"`
	Selectors     extract.Selectors `yaml:"selectors"`
	BaseURL       string            `yaml:"base_url"`
	MaxHTMLLength int               `yaml:"max_html_length"`
}

// WebhookConfig controls result callbacks.
type WebhookConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// LimitsConfig protects the provider quota.
type LimitsConfig struct {
	MaxSessions       int           `yaml:"max_sessions"`
	SessionRatePerSec float64       `yaml:"session_rate_per_sec"`
	SessionBurst      int           `yaml:"session_burst"`
	// SessionMaxAge is the reaper floor. Sessions acquired with a longer
	// TTL live until that TTL passes.
	SessionMaxAge     time.Duration `yaml:"session_max_age"`
}

// DefaultConfig returns a configuration usable without a file.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":3000",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MetricsEnabled:  true,
		},
		Provider: ProviderConfig{
			Kind:              ProviderPlaywright,
			Endpoint:          "wss://browser.scrapeless.com/api/v2/browser",
			ConnectTimeout:    browser.DefaultConnectTimeout,
			NavigationTimeout: browser.DefaultNavigationTimeout,
			SessionTTL:        browser.DefaultSessionTTL,
		},
		Target: TargetConfig{
			URL:               query.DefaultTargetURL,
			SubmitTimeout:     query.DefaultSubmitTimeout,
			ReadyPollInterval: query.DefaultReadyPollInterval,
			RequestTimeout:    query.DefaultRequestTimeout,
		},
		Detector: DetectorConfig{
			PollInterval:    query.DefaultPollInterval,
			StabilityWindow: query.DefaultStabilityWindow,
		},
		Extraction: ExtractionConfig{
			Strategy:      extract.DefaultVersion,
			BaseURL:       query.DefaultTargetURL,
			MaxHTMLLength: extract.DefaultMaxHTMLLength,
		},
		Webhook: WebhookConfig{
			Timeout:   query.DefaultWebhookTimeout,
			UserAgent: "geoprobe",
		},
		Limits: LimitsConfig{
			SessionMaxAge: 2 * query.DefaultRequestTimeout,
		},
		Logging: logging.Options{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.path = path
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// ApplyEnv overrides fields from GEOPROBE_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		c.Provider.APIKey = v
	}

	strs := map[string]*string{
		"GEOPROBE_ADDR":              &c.Server.Addr,
		"GEOPROBE_PROVIDER":          &c.Provider.Kind,
		"GEOPROBE_PROVIDER_ENDPOINT": &c.Provider.Endpoint,
		"GEOPROBE_API_KEY":           &c.Provider.APIKey,
		"GEOPROBE_TARGET_URL":        &c.Target.URL,
		"GEOPROBE_STRATEGY":          &c.Extraction.Strategy,
		"GEOPROBE_LOG_LEVEL":         &c.Logging.Level,
		"GEOPROBE_LOG_FORMAT":        &c.Logging.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"GEOPROBE_REQUEST_TIMEOUT": &c.Target.RequestTimeout,
		"GEOPROBE_SUBMIT_TIMEOUT":  &c.Target.SubmitTimeout,
		"GEOPROBE_POLL_INTERVAL":   &c.Detector.PollInterval,
		"GEOPROBE_SESSION_TTL":     &c.Provider.SessionTTL,
		"GEOPROBE_WEBHOOK_TIMEOUT": &c.Webhook.Timeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"GEOPROBE_STABILITY_WINDOW": &c.Detector.StabilityWindow,
		"GEOPROBE_MAX_SESSIONS":     &c.Limits.MaxSessions,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := lookup("GEOPROBE_SESSION_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid GEOPROBE_SESSION_RATE: %w", err)
		}
		c.Limits.SessionRatePerSec = f
	}
	return nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case ProviderPlaywright, ProviderRod:
	default:
		return fmt.Errorf("invalid provider kind: %s (must be '%s' or '%s')", c.Provider.Kind, ProviderPlaywright, ProviderRod)
	}
	if strings.TrimSpace(c.Provider.Endpoint) == "" {
		return fmt.Errorf("provider endpoint is required")
	}

	u, err := url.Parse(c.Target.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid target url: %q", c.Target.URL)
	}

	if c.Target.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.Target.SubmitTimeout <= 0 {
		return fmt.Errorf("submit_timeout must be positive")
	}
	if c.Target.SubmitTimeout >= c.Target.RequestTimeout {
		return fmt.Errorf("submit_timeout (%s) must be shorter than request_timeout (%s)", c.Target.SubmitTimeout, c.Target.RequestTimeout)
	}
	if c.Target.ReadyPollInterval <= 0 {
		return fmt.Errorf("ready_poll_interval must be positive")
	}

	if c.Detector.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Detector.StabilityWindow < query.MinStabilityWindow {
		return fmt.Errorf("stability_window must be at least %d", query.MinStabilityWindow)
	}

	if _, err := c.Strategy(); err != nil {
		return err
	}
	if c.Extraction.MaxHTMLLength < 0 {
		return fmt.Errorf("max_html_length cannot be negative")
	}

	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive")
	}

	if c.Limits.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative")
	}
	if c.Limits.SessionRatePerSec < 0 {
		return fmt.Errorf("session_rate_per_sec cannot be negative")
	}
	if c.Limits.SessionBurst < 0 {
		return fmt.Errorf("session_burst cannot be negative")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// Strategy resolves the configured selector strategy with overrides applied.
func (c *Config) Strategy() (extract.Strategy, error) {
	s, err := extract.Lookup(c.Extraction.Strategy)
	if err != nil {
		return extract.Strategy{}, err
	}
	s = s.WithOverrides(c.Extraction.Selectors)
	if err := s.Validate(); err != nil {
		return extract.Strategy{}, err
	}
	return s, nil
}

// Endpoint returns the hosted browser endpoint.
func (c *Config) Endpoint() browser.Endpoint {
	return browser.Endpoint{URL: c.Provider.Endpoint, APIKey: c.Provider.APIKey}
}

// SessionLimits returns the session manager limits.
func (c *Config) SessionLimits() browser.Limits {
	return browser.Limits{
		MaxSessions: c.Limits.MaxSessions,
		RatePerSec:  c.Limits.SessionRatePerSec,
		Burst:       c.Limits.SessionBurst,
	}
}

// Engine returns the query engine settings.
func (c *Config) Engine() query.Config {
	return query.Config{
		TargetURL:         c.Target.URL,
		SubmitTimeout:     c.Target.SubmitTimeout,
		ReadyPollInterval: c.Target.ReadyPollInterval,
		PollInterval:      c.Detector.PollInterval,
		StabilityWindow:   c.Detector.StabilityWindow,
		SessionTTL:        c.Provider.SessionTTL,
		UserAgent:         c.Webhook.UserAgent,
		WebhookTimeout:    c.Webhook.Timeout,
	}
}

// Extractor builds the content extractor.
func (c *Config) Extractor() (*extract.Extractor, error) {
	s, err := c.Strategy()
	if err != nil {
		return nil, err
	}
	var opts []extract.Option
	if c.Extraction.BaseURL != "" {
		opts = append(opts, extract.WithBaseURL(c.Extraction.BaseURL))
	}
	if c.Extraction.MaxHTMLLength > 0 {
		opts = append(opts, extract.WithMaxHTMLLength(c.Extraction.MaxHTMLLength))
	}
	return extract.NewExtractor(s, opts...), nil
}

// NewProvider builds the configured browser provider. Playwright providers
// are returned uninitialized; callers run Initialize before the first
// Connect.
func (c *Config) NewProvider() (browser.Provider, error) {
	switch c.Provider.Kind {
	case ProviderPlaywright:
		opts := []browser.PlaywrightOption{
			browser.WithPlaywrightTimeouts(c.Provider.ConnectTimeout, c.Provider.NavigationTimeout),
		}
		if c.Provider.SkipInstall {
			opts = append(opts, browser.WithoutDriverInstall())
		}
		return browser.NewPlaywrightProvider(c.Endpoint(), opts...), nil
	case ProviderRod:
		return browser.NewRodProvider(c.Endpoint(), c.Provider.NavigationTimeout), nil
	default:
		return nil, fmt.Errorf("invalid provider kind: %s", c.Provider.Kind)
	}
}
