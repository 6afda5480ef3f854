// Package main provides the geoprobe command: an HTTP service and one-shot
// client that ask ChatGPT's web UI a question through a hosted browser and
// return the structured answer.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entrhq/geoprobe/pkg/config"
	"github.com/entrhq/geoprobe/pkg/extract"
	"github.com/entrhq/geoprobe/pkg/logging"
)

const version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	logLevel   string
	logFormat  string
	provider   string
	endpoint   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	var cfg *config.Config

	root := &cobra.Command{
		Use:   "geoprobe",
		Short: "Query ChatGPT through a hosted browser and return structured answers",
		Long: `geoprobe drives ChatGPT's web interface inside a remote browser session,
waits for the answer to settle and returns it with its citations, links and
product mentions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			loaded, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := logging.Configure(loaded.Logging); err != nil {
				return fmt.Errorf("failed to configure logging: %w", err)
			}
			*cfg = *loaded
			return nil
		},
	}
	cfg = config.DefaultConfig()

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "Path to YAML config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format: json or console")
	pf.StringVar(&flags.provider, "provider", "", "Browser adapter: playwright or rod")
	pf.StringVar(&flags.endpoint, "endpoint", "", "Hosted browser CDP endpoint")

	root.AddCommand(
		newServeCmd(cfg),
		newQueryCmd(cfg),
		newVersionCmd(),
	)
	return root
}

// loadConfig layers file, environment and flags, then validates.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	if flags.provider != "" {
		cfg.Provider.Kind = flags.provider
	}
	if flags.endpoint != "" {
		cfg.Provider.Endpoint = flags.endpoint
	}
	// the bare product name gets the build version appended
	if cfg.Webhook.UserAgent == "geoprobe" {
		cfg.Webhook.UserAgent = userAgent()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func userAgent() string {
	return "geoprobe/" + version
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the geoprobe version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "geoprobe v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "selector strategies: %s\n", strings.Join(extract.Versions(), ", "))
		},
	}
}
