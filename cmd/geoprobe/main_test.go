package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/geoprobe/pkg/config"
	"github.com/entrhq/geoprobe/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "geoprobe v"+version+"\nselector strategies: chatgpt-2024-11, chatgpt-2025-06\n", out)
	assert.Equal(t, "geoprobe/"+version, userAgent())
}

func TestQueryRequiresPrompt(t *testing.T) {
	_, err := execute(t, "query", "--provider", "rod")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"prompt" not set`)
}

func TestInvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detector:\n  stability_window: 1\n"), 0o600))

	_, err := execute(t, "--config", path, "query", "--prompt", "X")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration error")
	assert.Contains(t, err.Error(), "stability_window")
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := loadConfig(&globalFlags{
		logLevel:  "debug",
		logFormat: "console",
		provider:  config.ProviderRod,
		endpoint:  "ws://127.0.0.1:9222",
	})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, config.ProviderRod, cfg.Provider.Kind)
	assert.Equal(t, "ws://127.0.0.1:9222", cfg.Endpoint().URL)
	assert.Equal(t, userAgent(), cfg.Engine().UserAgent)

	_, err = loadConfig(&globalFlags{provider: "lynx"})
	assert.Error(t, err)
}

func TestQueryFlagsRequest(t *testing.T) {
	f := &queryFlags{
		prompt:      "X",
		proxyURL:    "http://proxy.scrapeless.com:8080-country_gb",
		sessionName: "s",
		noWebSearch: true,
		format:      "html",
	}
	req, err := f.request(90 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "GB", req.ProxyRegion)
	assert.Equal(t, 90*time.Second, req.Timeout)
	assert.False(t, req.WebSearchEnabled)
	assert.Equal(t, types.AnswerFormatHTML, req.AnswerFormat)
	assert.NotEmpty(t, req.TaskID)

	f.region = "us"
	f.timeout = 5 * time.Second
	req, err = f.request(90 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "us", req.ProxyRegion, "regions are normalized by the acquirer")
	assert.Equal(t, 5*time.Second, req.Timeout)

	f.format = "markdown"
	_, err = f.request(time.Minute)
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, types.QueryResult{Success: true, Prompt: "X", Answer: "Answer to X"}))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "Answer to X", decoded["answer"])

	buf.Reset()
	err := printResult(&buf, types.QueryResult{Prompt: "X", ErrorStage: types.StageTimeout, ErrorReason: "slow"})
	require.ErrorIs(t, err, errQueryFailed)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, buf.String(), `"errorStage": "timeout"`)
}

func TestNewAppWithRod(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.Kind = config.ProviderRod
	require.NoError(t, cfg.Validate())

	a, err := newApp(cfg, true)
	require.NoError(t, err)
	assert.Equal(t, "rod", a.provider.Name())
	assert.Equal(t, 0, a.sessions.Active())

	families, err := a.registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "geoprobe_active_sessions")

	require.NoError(t, a.close())
}
