package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/agent-command/axel/internal/eventlog"
	"github.com/agent-command/axel/internal/events"
	"github.com/spf13/cobra"
)

var (
	tailFromStart bool
	tailLogPath   string
	tailKinds     []string
	tailPane      string
)

func newTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the JSONL event log",
		Long: `Follow the event log file and print each envelope as it is written.

This reads the durable log, so it works whether or not the server is
running and never misses an envelope the server managed to write.

Examples:
  axel tail                           # New envelopes only
  axel tail --from-start              # Replay the whole log first
  axel tail --kind Stop --kind PermissionRequest
  axel tail --pane 6f1c...            # One pane only`,
		Args: cobra.NoArgs,
		RunE: runTail,
	}

	cmd.Flags().BoolVar(&tailFromStart, "from-start", false, "Replay the existing log before following")
	cmd.Flags().StringVar(&tailLogPath, "log-path", "", "JSONL event log path (default from config)")
	cmd.Flags().StringSliceVar(&tailKinds, "kind", nil, "Only show these event kinds")
	cmd.Flags().StringVar(&tailPane, "pane", "", "Only show envelopes with this correlation id")

	return cmd
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Server.LogPath
	if tailLogPath != "" {
		path = tailLogPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	logger.Debug("following event log", "path", path, "from_start", tailFromStart)
	return eventlog.Follow(ctx, path, tailFromStart, func(env events.Envelope) {
		if matchesFilter(env, tailKinds, tailPane) {
			fmt.Fprintln(out, renderEnvelope(env))
		}
	})
}
