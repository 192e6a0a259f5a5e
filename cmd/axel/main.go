package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/agent-command/axel/internal/config"
	"github.com/spf13/cobra"
)

// Version information
const Version = "0.1.0"

var (
	configPath string
	logLevel   string
	logFormat  string

	logger *slog.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "axel",
		Short: "Collect, correlate and relay coding assistant events",
		Long: `axel runs a local event server for coding assistants living in tmux.

Hook callbacks and OpenTelemetry exports are written to a JSONL log and
streamed live to subscribers; controller responses are typed back into
the assistant's pane.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
			if err != nil {
				return err
			}
			logger = l
			slog.SetDefault(l)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML, or TOML by extension)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr("AXEL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newServerCmd(),
		newHooksCmd(),
		newTailCmd(),
		newWatchCmd(),
		newRespondCmd(),
		newPanesCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "axel version %s\n", Version)
		},
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q: must be text or json", format)
}

// loadConfig reads --config (if any) with environment overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// serverURL is the base URL of the server described by cfg.
func serverURL(cfg *config.Config) string {
	return "http://" + cfg.Server.Addr()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
