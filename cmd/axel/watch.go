package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/agent-command/axel/internal/events"
	"github.com/agent-command/axel/internal/inbox"
	"github.com/spf13/cobra"
)

var (
	watchURL   string
	watchKinds []string
	watchPane  string
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live envelopes from a running server",
		Long: `Subscribe to the server's /inbox/ws stream and print each envelope.

The connection is retried with backoff until interrupted. Envelopes
published while disconnected are not replayed; use "axel tail" for the
durable log.

Examples:
  axel watch
  axel watch --url http://127.0.0.1:4318 --kind PermissionRequest`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().StringVar(&watchURL, "url", "", "Server URL (default from config)")
	cmd.Flags().StringSliceVar(&watchKinds, "kind", nil, "Only show these event kinds")
	cmd.Flags().StringVar(&watchPane, "pane", "", "Only show envelopes with this correlation id")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	rawURL := watchURL
	if rawURL == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rawURL = serverURL(cfg)
	}

	client, err := inbox.NewClient(rawURL, nil, logger)
	if err != nil {
		return err
	}
	client.SetOnConnect(func() {
		logger.Info("connected", "url", client.URL())
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	return client.Run(ctx, func(env events.Envelope) {
		if matchesFilter(env, watchKinds, watchPane) {
			fmt.Fprintln(out, renderEnvelope(env))
		}
	})
}
