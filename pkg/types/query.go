package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AnswerFormat defines how the extracted answer is rendered.
type AnswerFormat string

const (
	AnswerFormatText AnswerFormat = "text" // AnswerFormatText renders the answer as plain text.
	AnswerFormatHTML AnswerFormat = "html" // AnswerFormatHTML renders the answer as cleaned HTML.
	AnswerFormatRaw  AnswerFormat = "raw"  // AnswerFormatRaw returns the provider markup verbatim.
)

// Valid reports whether f is one of the supported formats.
func (f AnswerFormat) Valid() bool {
	switch f {
	case AnswerFormatText, AnswerFormatHTML, AnswerFormatRaw:
		return true
	}
	return false
}

// ErrorStage identifies the pipeline stage that produced a failure.
type ErrorStage string

const (
	StageSession    ErrorStage = "session"    // StageSession covers session acquisition failures.
	StageNavigation ErrorStage = "navigation" // StageNavigation covers navigation and prompt submission failures.
	StageTimeout    ErrorStage = "timeout"    // StageTimeout indicates the request budget expired before the answer stabilised.
	StageExtraction ErrorStage = "extraction" // StageExtraction covers missing anchors and polling faults.
	StageUnknown    ErrorStage = "unknown"    // StageUnknown is used when the failing stage cannot be determined.
)

// QueryRequest is the immutable input of one query.
type QueryRequest struct {
	// Prompt is the natural-language question submitted to the conversational UI.
	Prompt string

	// TaskID correlates the request across logs, results and webhooks.
	TaskID string

	// ProxyRegion is the requested egress region. Empty selects the provider default.
	ProxyRegion string

	// Timeout is the absolute wall-clock budget for the whole operation.
	Timeout time.Duration

	// SessionLabel tags the remote session for humans; it carries no semantics.
	SessionLabel string

	WebSearchEnabled        bool
	SessionRecordingEnabled bool

	AnswerFormat AnswerFormat

	// WebhookURL receives a copy of the result when non-empty.
	WebhookURL string
}

// Validate checks the fields that cannot be defaulted.
func (r QueryRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %s", r.Timeout)
	}
	if r.AnswerFormat != "" && !r.AnswerFormat.Valid() {
		return fmt.Errorf("unsupported answer format %q", r.AnswerFormat)
	}
	return nil
}

// Citation is a source the answer attributes a claim to.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// LinkRef is a hyperlink attached to the answer body.
type LinkRef struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Product is a product entity referenced by the answer.
type Product struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// QueryResult is the single output value of a query. Its JSON form is the
// envelope returned over HTTP and delivered to webhooks.
type QueryResult struct {
	Success         bool
	Prompt          string
	TaskID          string
	DurationSeconds float64

	// Populated on success.
	CountryCode   string
	Answer        string
	Citations     []Citation
	LinksAttached []LinkRef
	Products      []Product

	// Populated on failure.
	ErrorReason string
	ErrorStage  ErrorStage
}

type successEnvelope struct {
	Success       bool       `json:"success"`
	Prompt        string     `json:"prompt"`
	TaskID        string     `json:"taskId,omitempty"`
	Duration      float64    `json:"duration"`
	CountryCode   string     `json:"countryCode"`
	Answer        string     `json:"answer"`
	Citations     []Citation `json:"citations"`
	LinksAttached []LinkRef  `json:"linksAttached"`
	Products      []Product  `json:"products"`
}

type failureEnvelope struct {
	Success     bool       `json:"success"`
	Prompt      string     `json:"prompt"`
	TaskID      string     `json:"taskId,omitempty"`
	Duration    float64    `json:"duration"`
	ErrorReason string     `json:"errorReason"`
	ErrorStage  ErrorStage `json:"errorStage"`
}

// MarshalJSON emits the success or failure envelope. Entity lists are always
// present on success, empty lists included.
func (r QueryResult) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(failureEnvelope{
			Prompt:      r.Prompt,
			TaskID:      r.TaskID,
			Duration:    r.DurationSeconds,
			ErrorReason: r.ErrorReason,
			ErrorStage:  r.ErrorStage,
		})
	}
	return json.Marshal(successEnvelope{
		Success:       true,
		Prompt:        r.Prompt,
		TaskID:        r.TaskID,
		Duration:      r.DurationSeconds,
		CountryCode:   r.CountryCode,
		Answer:        r.Answer,
		Citations:     nonNil(r.Citations),
		LinksAttached: nonNil(r.LinksAttached),
		Products:      nonNil(r.Products),
	})
}

// UnmarshalJSON accepts either envelope shape.
func (r *QueryResult) UnmarshalJSON(data []byte) error {
	var wire struct {
		successEnvelope
		ErrorReason string     `json:"errorReason"`
		ErrorStage  ErrorStage `json:"errorStage"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = QueryResult{
		Success:         wire.Success,
		Prompt:          wire.Prompt,
		TaskID:          wire.TaskID,
		DurationSeconds: wire.Duration,
		CountryCode:     wire.CountryCode,
		Answer:          wire.Answer,
		Citations:       wire.Citations,
		LinksAttached:   wire.LinksAttached,
		Products:        wire.Products,
		ErrorReason:     wire.ErrorReason,
		ErrorStage:      wire.ErrorStage,
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
