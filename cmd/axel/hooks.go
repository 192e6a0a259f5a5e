package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/agent-command/axel/internal/hooks"
	"github.com/spf13/cobra"
)

var (
	hooksPort   int
	hooksPaneID string
)

func newHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks [workspace]",
		Short: "Point an assistant's hooks and telemetry at the event server",
		Long: `Write hook settings for one pane into <workspace>/.claude/settings.json
and print the OpenTelemetry environment for the same pane.

Existing settings are kept; only the "hooks" key is replaced.

Examples:
  axel hooks                          # Current directory, new pane id
  axel hooks ~/src/app --pane-id p1   # Fixed pane id
  eval "$(axel hooks)"                # Export the telemetry environment`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHooks,
	}

	cmd.Flags().IntVarP(&hooksPort, "port", "p", 0, "Event server port (default from config, 4318)")
	cmd.Flags().StringVar(&hooksPaneID, "pane-id", "", "Pane id to correlate with (default: new UUID)")

	return cmd
}

func runHooks(cmd *cobra.Command, args []string) error {
	workspace := "."
	if len(args) > 0 {
		workspace = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	port := cfg.Server.Port
	if cmd.Flags().Changed("port") {
		port = hooksPort
	}

	paneID := hooksPaneID
	if paneID == "" {
		paneID = hooks.NewPaneID()
	}

	baseURL := hooks.BaseURL(port)
	path := hooks.SettingsPath(workspace)
	if err := hooks.Write(path, hooks.Generate(baseURL, paneID)); err != nil {
		return err
	}
	logger.Info("wrote hook settings", "path", path, "pane_id", paneID)

	writeExports(cmd.OutOrStdout(), hooks.OtelEnv(baseURL, paneID))
	return nil
}

// writeExports prints env as shell export lines in a stable order.
func writeExports(w io.Writer, env map[string]string) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "export %s=%q\n", k, env[k])
	}
}
