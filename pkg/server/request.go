package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/query"
	"github.com/entrhq/geoprobe/pkg/types"
)

var errPromptRequired = errors.New("prompt is required")

// queryBody is the wire shape of POST /api/chatgpt/query. Pointer fields
// distinguish "absent" from zero values so defaults apply only when a field
// is missing. The camelCase fields are aliases used by older clients.
type queryBody struct {
	Prompt           string `json:"prompt"`
	TaskID           string `json:"task_id"`
	ProxyURL         string `json:"proxy_url"`
	ProxyCountry     string `json:"proxyCountry"`
	Timeout          *int64 `json:"timeout"`
	SessionName      string `json:"session_name"`
	WebSearch        *bool  `json:"web_search"`
	SessionRecording *bool  `json:"session_recording"`
	AnswerType       string `json:"answer_type"`
	Webhook          string `json:"webhook"`
	TaskIDAlias      string `json:"taskId"`
	SessionNameAlias string `json:"sessionName"`
	WebSearchAlias   *bool  `json:"webSearch"`
	RecordingAlias   *bool  `json:"sessionRecording"`
	AnswerTypeAlias  string `json:"answerType"`
	TimeoutAlias     *int64 `json:"timeoutMs"`
	WebhookAlias     string `json:"webhookUrl"`
}

// toRequest applies the endpoint defaults and validates the result.
func (b queryBody) toRequest() (types.QueryRequest, error) {
	if strings.TrimSpace(b.Prompt) == "" {
		return types.QueryRequest{}, errPromptRequired
	}

	req := types.QueryRequest{
		Prompt:                  b.Prompt,
		TaskID:                  firstNonEmpty(b.TaskID, b.TaskIDAlias, uuid.NewString()),
		SessionLabel:            firstNonEmpty(b.SessionName, b.SessionNameAlias, query.DefaultSessionLabel),
		WebSearchEnabled:        boolOr(true, b.WebSearch, b.WebSearchAlias),
		SessionRecordingEnabled: boolOr(false, b.SessionRecording, b.RecordingAlias),
		AnswerFormat:            types.AnswerFormat(firstNonEmpty(b.AnswerType, b.AnswerTypeAlias, string(types.AnswerFormatText))),
		WebhookURL:              firstNonEmpty(b.Webhook, b.WebhookAlias),
		Timeout:                 query.DefaultRequestTimeout,
	}
	switch {
	case b.ProxyCountry != "":
		req.ProxyRegion = b.ProxyCountry
	case b.ProxyURL != "":
		req.ProxyRegion = browser.RegionFromProxyURL(b.ProxyURL)
	}

	ms := b.Timeout
	if ms == nil {
		ms = b.TimeoutAlias
	}
	// An explicit 0 falls back to the default like an absent field.
	if ms != nil && *ms != 0 {
		if *ms < 0 {
			return types.QueryRequest{}, fmt.Errorf("timeout must be a positive number of milliseconds, got %d", *ms)
		}
		req.Timeout = time.Duration(*ms) * time.Millisecond
	}

	if !req.AnswerFormat.Valid() {
		return types.QueryRequest{}, fmt.Errorf("answer_type must be one of text, html, raw, got %q", req.AnswerFormat)
	}
	return req, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func boolOr(def bool, values ...*bool) bool {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return def
}
