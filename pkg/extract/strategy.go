package extract

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Selectors locate the parts of the chat UI the engine interacts with. All
// values are CSS selectors.
type Selectors struct {
	Input        string `yaml:"input"`
	Send         string `yaml:"send"`
	Busy         string `yaml:"busy"`
	Message      string `yaml:"message"`
	Turn         string `yaml:"turn"`
	Content      string `yaml:"content"`
	Citation     string `yaml:"citation"`
	ProductCard  string `yaml:"product_card"`
	ProductTitle string `yaml:"product_title"`
}

// Strategy is a versioned set of selectors for one revision of the chat UI.
type Strategy struct {
	Version   string
	Selectors Selectors
}

// Validate checks that the selectors required for submission and
// extraction are present.
func (s Strategy) Validate() error {
	var missing []string
	if s.Selectors.Input == "" {
		missing = append(missing, "input")
	}
	if s.Selectors.Send == "" {
		missing = append(missing, "send")
	}
	if s.Selectors.Message == "" {
		missing = append(missing, "message")
	}
	if s.Selectors.Content == "" {
		missing = append(missing, "content")
	}
	if len(missing) > 0 {
		return fmt.Errorf("strategy %q: missing selectors: %s", s.Version, strings.Join(missing, ", "))
	}
	return nil
}

// WithOverrides returns a copy of s where every non-empty field of o
// replaces the corresponding selector.
func (s Strategy) WithOverrides(o Selectors) Strategy {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	out := s
	set(&out.Selectors.Input, o.Input)
	set(&out.Selectors.Send, o.Send)
	set(&out.Selectors.Busy, o.Busy)
	set(&out.Selectors.Message, o.Message)
	set(&out.Selectors.Turn, o.Turn)
	set(&out.Selectors.Content, o.Content)
	set(&out.Selectors.Citation, o.Citation)
	set(&out.Selectors.ProductCard, o.ProductCard)
	set(&out.Selectors.ProductTitle, o.ProductTitle)
	return out
}

// DefaultVersion is the strategy used when none is configured.
const DefaultVersion = "chatgpt-2025-06"

var (
	registryMu sync.RWMutex
	registry   = map[string]Strategy{
		"chatgpt-2025-06": {
			Version: "chatgpt-2025-06",
			Selectors: Selectors{
				Input:        "#prompt-textarea",
				Send:         `button[data-testid="send-button"]`,
				Busy:         `button[data-testid="stop-button"]`,
				Message:      `[data-message-author-role="assistant"]`,
				Turn:         "article",
				Content:      ".markdown",
				Citation:     `[data-testid="webpage-citation-pill"] a[href]`,
				ProductCard:  `div[data-testid="product-card"]`,
				ProductTitle: `[data-testid="product-title"]`,
			},
		},
		"chatgpt-2024-11": {
			Version: "chatgpt-2024-11",
			Selectors: Selectors{
				Input:        "textarea#prompt-textarea",
				Send:         `button[data-testid="send-button"]`,
				Busy:         `button[aria-label="Stop generating"]`,
				Message:      `div[data-message-author-role="assistant"]`,
				Turn:         `div[data-testid^="conversation-turn"]`,
				Content:      "div.markdown",
				Citation:     `a.citation[href]`,
				ProductCard:  `div.product-card`,
				ProductTitle: `.product-title`,
			},
		},
	}
)

// Register adds or replaces a strategy.
func Register(s Strategy) error {
	if s.Version == "" {
		return fmt.Errorf("strategy version is required")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Version] = s
	return nil
}

// Lookup returns the strategy registered under version. An empty version
// selects DefaultVersion.
func Lookup(version string) (Strategy, error) {
	if version == "" {
		version = DefaultVersion
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[version]
	if !ok {
		return Strategy{}, fmt.Errorf("unknown extraction strategy %q (known: %s)", version, strings.Join(versionsLocked(), ", "))
	}
	return s, nil
}

// Versions lists the registered strategy versions in sorted order.
func Versions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return versionsLocked()
}

func versionsLocked() []string {
	versions := make([]string, 0, len(registry))
	for v := range registry {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}
