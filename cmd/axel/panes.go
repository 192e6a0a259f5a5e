package main

import (
	"encoding/json"
	"fmt"

	"github.com/agent-command/axel/internal/tmux"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var panesJSON bool

func newPanesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "panes [session]",
		Short: "List tmux panes that responses can be sent to",
		Long: `List the panes of a tmux session (or of every session) with the
target string accepted by "axel respond --pane-id". The pane that receives
responses without a pane id is marked.

Examples:
  axel panes work
  axel panes --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPanes,
	}

	cmd.Flags().BoolVar(&panesJSON, "json", false, "Output in JSON format")

	return cmd
}

func runPanes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	session := cfg.Server.Session
	if len(args) > 0 {
		session = args[0]
	}

	client := tmux.NewClient(&cfg.Tmux)
	panes, err := client.ListPanes(cmd.Context(), session)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if panesJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(panes)
	}
	if len(panes) == 0 {
		fmt.Fprintln(out, timeStyle.Render("no panes"))
		return nil
	}

	defaultTarget := ""
	if session != "" {
		defaultTarget = client.DefaultTarget(session)
	}
	markStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#a6e3a1"))
	for _, p := range panes {
		line := fmt.Sprintf("%-6s %-20s %s", p.PaneID, p.Target(), p.CurrentCommand)
		if p.Target() == defaultTarget {
			line += " " + markStyle.Render("(default)")
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
