package browser

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Endpoint describes the hosted browser service sessions are opened against.
type Endpoint struct {
	// URL is the CDP websocket entry point, without query parameters.
	URL string

	// APIKey authenticates against the service. Sent as the token parameter.
	APIKey string
}

// ConnectURL builds the websocket URL for one session.
func (e Endpoint) ConnectURL(opts SessionOptions) (string, error) {
	if strings.TrimSpace(e.URL) == "" {
		return "", fmt.Errorf("browser endpoint URL is required")
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return "", fmt.Errorf("invalid browser endpoint URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("unsupported browser endpoint scheme %q", u.Scheme)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	country := opts.ProxyCountry
	if country == "" {
		country = AnyRegion
	}

	q := u.Query()
	if e.APIKey != "" {
		q.Set("token", e.APIKey)
	}
	if opts.Name != "" {
		q.Set("sessionName", opts.Name)
	}
	q.Set("sessionTTL", strconv.Itoa(int(ttl.Seconds())))
	q.Set("proxyCountry", country)
	q.Set("sessionRecording", strconv.FormatBool(opts.Recording))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var tokenParam = regexp.MustCompile(`(?i)((?:token|apikey|api_key|key)=)[^&\s"]+`)

// Redact masks credentials embedded in connect URLs and error messages.
func Redact(s string) string {
	return tokenParam.ReplaceAllString(s, "${1}REDACTED")
}

var (
	regionCode     = regexp.MustCompile(`^[A-Z]{2}$`)
	proxyURLRegion = regexp.MustCompile(`(?i)country[_-]([a-z]{2}|any)\b`)
)

// NormalizeRegion upper-cases a requested region and validates it. An empty
// region selects the provider default.
func NormalizeRegion(region string) (string, error) {
	r := strings.ToUpper(strings.TrimSpace(region))
	if r == "" || r == AnyRegion {
		return AnyRegion, nil
	}
	if !regionCode.MatchString(r) {
		return "", fmt.Errorf("%w: %q (expected ANY or a two-letter country code)", ErrInvalidRegion, region)
	}
	return r, nil
}

// RegionFromProxyURL extracts the country from provider proxy URLs such as
// "http://proxy.scrapeless.com:8080-country_US". Returns "" when absent.
func RegionFromProxyURL(proxyURL string) string {
	m := proxyURLRegion.FindStringSubmatch(proxyURL)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}
