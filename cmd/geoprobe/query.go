package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/config"
	"github.com/entrhq/geoprobe/pkg/query"
	"github.com/entrhq/geoprobe/pkg/types"
)

// errQueryFailed makes the process exit non-zero after a failure envelope
// has been printed.
var errQueryFailed = errors.New("query failed")

type queryFlags struct {
	prompt      string
	taskID      string
	region      string
	proxyURL    string
	timeout     time.Duration
	sessionName string
	noWebSearch bool
	recording   bool
	format      string
	webhook     string
}

func newQueryCmd(cfg *config.Config) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a single query and print the result envelope",
		Example: `  geoprobe query --prompt "What makes Trae.ai different from other AI solutions?"
  geoprobe query --prompt "best running shoes" --region US --format html`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.request(cfg.Target.RequestTimeout)
			if err != nil {
				return err
			}

			a, err := newApp(cfg, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					a.logger.Warnf("shutdown: %v", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			interrupted := func() bool { return ctx.Err() != nil }

			result := a.engine.Run(ctx, req, interrupted)
			a.engine.Wait()
			return printResult(cmd.OutOrStdout(), result)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.prompt, "prompt", "p", "", "Question to ask (required)")
	fl.StringVar(&f.taskID, "task-id", "", "Task id (default: random uuid)")
	fl.StringVar(&f.region, "region", "", "Proxy country code, or ANY")
	fl.StringVar(&f.proxyURL, "proxy-url", "", "Provider proxy URL carrying a country_XX suffix")
	fl.DurationVar(&f.timeout, "timeout", 0, "Overall time budget (default: target.request_timeout)")
	fl.StringVar(&f.sessionName, "session-name", query.DefaultSessionLabel, "Label for the remote browser session")
	fl.BoolVar(&f.noWebSearch, "no-web-search", false, "Disable ChatGPT web search")
	fl.BoolVar(&f.recording, "recording", false, "Ask the provider to record the session")
	fl.StringVar(&f.format, "format", string(types.AnswerFormatText), "Answer format: text, html or raw")
	fl.StringVar(&f.webhook, "webhook", "", "URL that also receives the result")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

// request converts the flags into a query request.
func (f *queryFlags) request(defaultTimeout time.Duration) (types.QueryRequest, error) {
	req := types.QueryRequest{
		Prompt:                  f.prompt,
		TaskID:                  f.taskID,
		ProxyRegion:             f.region,
		Timeout:                 f.timeout,
		SessionLabel:            f.sessionName,
		WebSearchEnabled:        !f.noWebSearch,
		SessionRecordingEnabled: f.recording,
		AnswerFormat:            types.AnswerFormat(f.format),
		WebhookURL:              f.webhook,
	}
	if req.ProxyRegion == "" && f.proxyURL != "" {
		req.ProxyRegion = browser.RegionFromProxyURL(f.proxyURL)
	}
	if req.Timeout == 0 {
		req.Timeout = defaultTimeout
	}
	if err := req.Validate(); err != nil {
		return types.QueryRequest{}, err
	}
	return query.Normalize(req), nil
}

func printResult(w io.Writer, result types.QueryResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s stage", errQueryFailed, result.ErrorStage)
	}
	return nil
}
