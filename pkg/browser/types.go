package browser

import (
	"context"
	"errors"
	"time"
)

// Session is the capability set a request gets on its remote page.
type Session interface {
	// ID is a provider-assigned identifier, used for logging only.
	ID() string

	// CountryCode is the egress region the session was bound to.
	CountryCode() string

	// Navigate loads url in the session's page.
	Navigate(ctx context.Context, url string) error

	// Evaluate runs a JavaScript function expression in the page and returns
	// its result. Strings are returned as-is, other values as JSON.
	Evaluate(ctx context.Context, script string) (string, error)

	// Close releases the remote session.
	Close() error
}

// Provider attaches to a remote browser and opens a page in it.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Connect opens a new session. Implementations must not retain it.
	Connect(ctx context.Context, opts SessionOptions) (Session, error)
}

// SessionOptions configures a new remote session.
type SessionOptions struct {
	// Name is the human-readable session tag shown in the provider dashboard
	Name string

	// TTL bounds how long the provider keeps the session alive
	TTL time.Duration

	// ProxyCountry is the normalized egress region ("ANY" or ISO alpha-2)
	ProxyCountry string

	// Recording asks the provider to record the session
	Recording bool
}

// Sentinel errors reported by providers and the session manager.
var (
	// ErrDisconnected indicates the page or the browser connection went away.
	ErrDisconnected = errors.New("browser disconnected")

	// ErrInvalidRegion indicates an unusable proxy region.
	ErrInvalidRegion = errors.New("invalid proxy region")

	// ErrManagerClosed is returned by Acquire after CloseAll.
	ErrManagerClosed = errors.New("session manager closed")
)

// Default values for various operations
const (
	DefaultSessionTTL        = 180 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultNavigationTimeout = 30 * time.Second
	AnyRegion                = "ANY"
)
