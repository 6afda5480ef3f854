package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/browser/browsertest"
	"github.com/entrhq/geoprobe/pkg/extract"
	"github.com/entrhq/geoprobe/pkg/logging"
	"github.com/entrhq/geoprobe/pkg/metrics"
	"github.com/entrhq/geoprobe/pkg/types"
)

type engineFixture struct {
	engine   *Engine
	provider *browsertest.FakeProvider
	page     *chatPage
	sessions *browser.SessionManager
}

func newEngineFixture(t *testing.T, page *chatPage, opts ...Option) *engineFixture {
	t.Helper()
	return newEngineFixtureWithExtractor(t, page, extract.NewExtractor(page.strategy), opts...)
}

func newEngineFixtureWithExtractor(t *testing.T, page *chatPage, extractor *extract.Extractor, opts ...Option) *engineFixture {
	t.Helper()
	provider := &browsertest.FakeProvider{
		NewSession: func(opts browser.SessionOptions) *browsertest.FakeSession {
			return page.session(opts.ProxyCountry)
		},
	}
	sessions := browser.NewSessionManager(provider, browser.Limits{})

	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.ReadyPollInterval = time.Millisecond
	cfg.SubmitTimeout = time.Second

	base := []Option{WithSleep(noSleep), WithLogger(logging.Nop())}
	engine := NewEngine(cfg, sessions, extractor, append(base, opts...)...)
	t.Cleanup(engine.Close)

	return &engineFixture{engine: engine, provider: provider, page: page, sessions: sessions}
}

func (f *engineFixture) assertReleasedOnce(t *testing.T) {
	t.Helper()
	sessions := f.provider.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Closes(), "session must be released exactly once")
	assert.Equal(t, 0, f.sessions.Active())
}

func TestEngineEndToEnd(t *testing.T) {
	answer := frame{
		text: "Answer to X",
		extra: citationPill("Source One", "https://one.example/a") +
			citationPill("Source Two", "https://two.example/b"),
	}
	page := newChatPage(t, answer, answer, answer)
	f := newEngineFixture(t, page)

	result := f.engine.Run(context.Background(), types.QueryRequest{
		Prompt:           "X",
		TaskID:           "task-1",
		ProxyRegion:      "us",
		Timeout:          5 * time.Second,
		WebSearchEnabled: true,
		AnswerFormat:     types.AnswerFormatText,
	}, nil)

	require.True(t, result.Success, "unexpected failure: %s (%s)", result.ErrorReason, result.ErrorStage)
	assert.Equal(t, "X", result.Prompt)
	assert.Equal(t, "task-1", result.TaskID)
	assert.Equal(t, "US", result.CountryCode)
	assert.Equal(t, "Answer to X", result.Answer)
	assert.Equal(t, []types.Citation{
		{Title: "Source One", URL: "https://one.example/a"},
		{Title: "Source Two", URL: "https://two.example/b"},
	}, result.Citations)
	assert.NotNil(t, result.Products)
	assert.Empty(t, result.Products)
	assert.NotNil(t, result.LinksAttached)
	assert.GreaterOrEqual(t, result.DurationSeconds, 0.0)
	assert.LessOrEqual(t, result.DurationSeconds, 5.0+cfgPoll.Seconds())
	assert.Equal(t, 3, page.Polls())

	f.assertReleasedOnce(t)
	session := f.provider.Sessions()[0]
	assert.Equal(t, []string{"https://chatgpt.com/?hints=search"}, session.Visited())

	opts := f.provider.Options()
	require.Len(t, opts, 1)
	assert.Equal(t, "US", opts[0].ProxyCountry)
	assert.Equal(t, DefaultSessionLabel, opts[0].Name)
}

var cfgPoll = time.Millisecond

func TestEngineDefaultsApplied(t *testing.T) {
	page := newChatPage(t, frame{text: "ok"})
	f := newEngineFixture(t, page)

	result := f.engine.Run(context.Background(), types.QueryRequest{Prompt: "hi"}, nil)
	require.True(t, result.Success)
	assert.NotEmpty(t, result.TaskID)
	assert.Equal(t, "ANY", result.CountryCode)
	assert.Equal(t, "ok", result.Answer)

	opts := f.provider.Options()
	require.Len(t, opts, 1)
	assert.Equal(t, DefaultRequestTimeout, opts[0].TTL)
	assert.Equal(t, []string{"https://chatgpt.com/"}, f.provider.Sessions()[0].Visited())
}

func TestEngineAnswerFormats(t *testing.T) {
	answer := frame{text: "Use <b>Acme</b>", extra: `<p>See <a href="https://acme.example">Acme</a></p>`}

	for _, format := range []types.AnswerFormat{types.AnswerFormatText, types.AnswerFormatHTML, types.AnswerFormatRaw} {
		t.Run(string(format), func(t *testing.T) {
			page := newChatPage(t, answer)
			f := newEngineFixture(t, page)

			result := f.engine.Run(context.Background(), types.QueryRequest{Prompt: "X", AnswerFormat: format}, nil)
			require.True(t, result.Success, result.ErrorReason)
			assert.Equal(t, []types.LinkRef{{Text: "Acme", URL: "https://acme.example"}}, result.LinksAttached)

			switch format {
			case types.AnswerFormatText:
				assert.Equal(t, "Use Acme\n\nSee Acme", result.Answer)
			case types.AnswerFormatHTML:
				assert.Contains(t, result.Answer, "<b>Acme</b>")
				assert.NotContains(t, result.Answer, "markdown")
			case types.AnswerFormatRaw:
				assert.Equal(t, turnHTML(answer), result.Answer)
			}
		})
	}
}

func TestEngineCancellationIsTimeout(t *testing.T) {
	page := newChatPage(t)
	page.frameAt = func(poll int) frame { return frame{text: fmt.Sprintf("token %d", poll)} }
	f := newEngineFixture(t, page)

	calls := 0
	result := f.engine.Run(context.Background(), types.QueryRequest{Prompt: "X", Timeout: time.Minute}, func() bool {
		calls++
		return calls > 5
	})

	assert.False(t, result.Success)
	assert.Equal(t, types.StageTimeout, result.ErrorStage)
	assert.Empty(t, result.Answer)
	f.assertReleasedOnce(t)
}

func TestEngineRequestTimeout(t *testing.T) {
	page := newChatPage(t)
	page.frameAt = func(poll int) frame { return frame{text: fmt.Sprintf("token %d", poll)} }

	timeout := 60 * time.Millisecond
	poll := 5 * time.Millisecond
	f := newEngineFixture(t, page, WithSleep(Sleep))
	f.engine.detector.pollInterval = poll

	result := f.engine.Run(context.Background(), types.QueryRequest{Prompt: "X", Timeout: timeout}, nil)

	assert.False(t, result.Success)
	assert.Equal(t, types.StageTimeout, result.ErrorStage)
	assert.GreaterOrEqual(t, result.DurationSeconds, 0.0)
	// generous slack for slow CI machines
	assert.Less(t, result.DurationSeconds, (timeout + poll + time.Second).Seconds())
	f.assertReleasedOnce(t)
}

func TestEngineStageFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *engineFixture, req *types.QueryRequest)
		wantStage types.ErrorStage
		acquired  bool
	}{
		{
			name: "provider unreachable",
			setup: func(f *engineFixture, _ *types.QueryRequest) {
				f.provider.ConnectErr = errors.New("dial tcp: connection refused")
			},
			wantStage: types.StageSession,
		},
		{
			name: "invalid region",
			setup: func(_ *engineFixture, req *types.QueryRequest) {
				req.ProxyRegion = "Atlantis"
			},
			wantStage: types.StageSession,
		},
		{
			name: "navigation fails",
			setup: func(f *engineFixture, _ *types.QueryRequest) {
				f.provider.NewSession = func(opts browser.SessionOptions) *browsertest.FakeSession {
					s := f.page.session(opts.ProxyCountry)
					s.NavigateErr = errors.New("net::ERR_PROXY_CONNECTION_FAILED")
					return s
				}
			},
			wantStage: types.StageNavigation,
			acquired:  true,
		},
		{
			name: "page lost while polling",
			setup: func(f *engineFixture, _ *types.QueryRequest) {
				f.page.pollErr = func(int) error { return fmt.Errorf("evaluate failed: %w", browser.ErrDisconnected) }
			},
			wantStage: types.StageNavigation,
			acquired:  true,
		},
		{
			name: "poll script error",
			setup: func(f *engineFixture, _ *types.QueryRequest) {
				f.page.pollErr = func(int) error { return errors.New("TypeError: null is not an object") }
			},
			wantStage: types.StageExtraction,
			acquired:  true,
		},
		{
			name: "answer anchor missing",
			setup: func(f *engineFixture, _ *types.QueryRequest) {
				f.page.frames = []frame{{raw: `<div data-message-author-role="assistant"><p>no content region</p></div>`}}
			},
			wantStage: types.StageExtraction,
			acquired:  true,
		},
		{
			name: "stage panics",
			setup: func(f *engineFixture, _ *types.QueryRequest) {
				f.page.pollErr = func(int) error { panic("boom") }
			},
			wantStage: types.StageUnknown,
			acquired:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := newChatPage(t, frame{text: "fine"})
			f := newEngineFixture(t, page)
			req := types.QueryRequest{Prompt: "X", TaskID: "t", Timeout: 5 * time.Second}
			tt.setup(f, &req)

			result := f.engine.Run(context.Background(), req, nil)

			assert.False(t, result.Success)
			assert.Equal(t, tt.wantStage, result.ErrorStage)
			assert.NotEmpty(t, result.ErrorReason)
			assert.Equal(t, "X", result.Prompt)
			assert.Equal(t, "t", result.TaskID)
			assert.GreaterOrEqual(t, result.DurationSeconds, 0.0)
			if tt.acquired {
				f.assertReleasedOnce(t)
			} else {
				for _, s := range f.provider.Sessions() {
					assert.LessOrEqual(t, s.Closes(), 1)
				}
				assert.Equal(t, 0, f.sessions.Active())
			}
		})
	}
}

func TestEngineInvalidRequest(t *testing.T) {
	page := newChatPage(t, frame{text: "fine"})
	f := newEngineFixture(t, page)

	result := f.engine.Run(context.Background(), types.QueryRequest{Prompt: "   "}, nil)
	assert.False(t, result.Success)
	assert.Equal(t, types.StageUnknown, result.ErrorStage)
	assert.Equal(t, "prompt is required", result.ErrorReason)
	assert.Equal(t, 0, f.provider.Connects())
}

func TestEngineErrorReasonRedacted(t *testing.T) {
	page := newChatPage(t, frame{text: "fine"})
	f := newEngineFixture(t, page)
	f.provider.ConnectErr = errors.New("dial wss://browser.example/?token=sk_live_secret: refused")

	result := f.engine.Run(context.Background(), types.QueryRequest{Prompt: "X"}, nil)
	assert.False(t, result.Success)
	assert.NotContains(t, result.ErrorReason, "sk_live_secret")
	assert.Contains(t, result.ErrorReason, "token=REDACTED")
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, nil)

	page := newChatPage(t, frame{text: "fine"})
	f := newEngineFixture(t, page, WithMetrics(collector))

	f.engine.Run(context.Background(), types.QueryRequest{Prompt: "X"}, nil)
	f.engine.Run(context.Background(), types.QueryRequest{Prompt: ""}, nil)

	count, err := testutil.GatherAndCount(reg, "test_queries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	expected := `
# HELP test_queries_total Total number of queries by outcome and failing stage
# TYPE test_queries_total counter
test_queries_total{outcome="failure",stage="unknown"} 1
test_queries_total{outcome="success",stage="none"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_queries_total"))
}

func TestEngineReportsTruncatedAnswer(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, nil)
	core, logs := observer.New(zapcore.WarnLevel)

	page := newChatPage(t, frame{text: strings.Repeat("long answer ", 20)})
	extractor := extract.NewExtractor(page.strategy, extract.WithMaxHTMLLength(40))
	f := newEngineFixtureWithExtractor(t, page, extractor,
		WithMetrics(collector), WithLogger(logging.FromZap("query", zap.New(core))))

	result := f.engine.Run(context.Background(), types.QueryRequest{
		Prompt: "X", TaskID: "task-cut", AnswerFormat: types.AnswerFormatHTML,
	}, nil)
	require.True(t, result.Success, result.ErrorReason)
	assert.Contains(t, result.Answer, "...")
	assert.NotContains(t, result.Answer, strings.Repeat("long answer ", 5))

	expected := `
# HELP test_answers_truncated_total Total number of answers cut at the configured length cap
# TYPE test_answers_truncated_total counter
test_answers_truncated_total{format="html"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_answers_truncated_total"))

	warnings := logs.FilterMessageSnippet("truncated").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "task-cut", warnings[0].ContextMap()["task_id"])

	// Text answers are never capped.
	result = f.engine.Run(context.Background(), types.QueryRequest{Prompt: "X"}, nil)
	require.True(t, result.Success, result.ErrorReason)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_answers_truncated_total"))
}

func TestNormalize(t *testing.T) {
	req := Normalize(types.QueryRequest{Prompt: "X"})
	assert.NotEmpty(t, req.TaskID)
	assert.Equal(t, DefaultRequestTimeout, req.Timeout)
	assert.Equal(t, DefaultSessionLabel, req.SessionLabel)
	assert.Equal(t, types.AnswerFormatText, req.AnswerFormat)

	kept := Normalize(types.QueryRequest{Prompt: "X", TaskID: "abc", Timeout: time.Second, SessionLabel: "mine", AnswerFormat: types.AnswerFormatRaw})
	assert.Equal(t, "abc", kept.TaskID)
	assert.Equal(t, time.Second, kept.Timeout)
	assert.Equal(t, "mine", kept.SessionLabel)
	assert.Equal(t, types.AnswerFormatRaw, kept.AnswerFormat)
}
