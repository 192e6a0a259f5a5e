package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/agent-command/axel/internal/config"
	"github.com/agent-command/axel/internal/eventlog"
	"github.com/agent-command/axel/internal/server"
	"github.com/agent-command/axel/internal/tmux"
	"github.com/spf13/cobra"
)

var (
	serverHost    string
	serverPort    int
	serverSession string
	serverLogPath string
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the event collection server",
		Long: `Run the event collection server in the foreground.

With --session the server watches that tmux session and exits once it is
gone; outbox responses are typed into its panes. Without a session,
responses are written to files under the response directory instead.

Examples:
  axel server                        # Listen on 127.0.0.1:4318
  axel server --session work         # Exit when tmux session "work" ends
  axel server --port 0 --log-path /tmp/events.jsonl`,
		Args: cobra.NoArgs,
		RunE: runServer,
	}

	cmd.Flags().StringVar(&serverHost, "host", "", "Listen host (default from config, 127.0.0.1)")
	cmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Listen port (default from config, 4318)")
	cmd.Flags().StringVarP(&serverSession, "session", "s", "", "tmux session to watch")
	cmd.Flags().StringVar(&serverLogPath, "log-path", "", "JSONL event log path")

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServerFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventLog, err := eventlog.Open(cfg.Server.LogPath, cfg.Server.QueueSize, logger)
	if err != nil {
		return err
	}

	opts := server.Options{
		Config:   server.NewConfig(cfg),
		Logger:   logger,
		EventLog: eventLog,
	}
	if cfg.Server.Session != "" {
		tmuxClient := tmux.NewClient(&cfg.Tmux)
		opts.Checker = tmuxClient
		opts.Injector = tmuxClient
	}

	srv, err := server.New(opts)
	if err != nil {
		_ = eventLog.Close(context.Background())
		return err
	}
	if err := srv.Run(ctx); err != nil {
		_ = eventLog.Close(context.Background())
		return fmt.Errorf("event server: %w", err)
	}
	logger.Info("exiting", "reason", srv.ShutdownReason())
	return nil
}

// applyServerFlags lets explicitly set flags win over file and environment.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = serverHost
	}
	if flags.Changed("port") {
		cfg.Server.Port = serverPort
	}
	if flags.Changed("session") {
		cfg.Server.Session = serverSession
	}
	if flags.Changed("log-path") {
		cfg.Server.LogPath = serverLogPath
	}
}
