package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/agent-command/axel/internal/events"
	"github.com/agent-command/axel/internal/inbox"
	"github.com/spf13/cobra"
)

var (
	respondURL      string
	respondQuestion bool
	respondPaneID   string
	respondTimeout  time.Duration
)

func newRespondCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "respond <session-id> <text>",
		Short: "Send a response to be typed into an assistant's pane",
		Long: `Post a controller response to the server's /outbox.

The response is logged and broadcast, then typed into the pane (or written
to a response file when the server watches no tmux session).

Examples:
  axel respond 3f2a... y                      # Answer a permission prompt
  axel respond 3f2a... "use tabs" --question  # Answer a question
  axel respond 3f2a... y --pane-id %3`,
		Args: cobra.ExactArgs(2),
		RunE: runRespond,
	}

	cmd.Flags().StringVar(&respondURL, "url", "", "Server URL (default from config)")
	cmd.Flags().BoolVar(&respondQuestion, "question", false, "Send a question_response instead of a permission_response")
	cmd.Flags().StringVar(&respondPaneID, "pane-id", "", "tmux pane to type into (default: the server's default pane)")
	cmd.Flags().DurationVar(&respondTimeout, "timeout", 10*time.Second, "Request timeout")

	return cmd
}

func runRespond(cmd *cobra.Command, args []string) error {
	baseURL := respondURL
	if baseURL == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		baseURL = serverURL(cfg)
	}

	resp := events.OutboxResponse{
		SessionID:    args[0],
		ResponseType: events.PermissionResponse,
		ResponseText: args[1],
		PaneID:       respondPaneID,
	}
	if respondQuestion {
		resp.ResponseType = events.QuestionResponse
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), respondTimeout)
	defer cancel()

	if err := inbox.Respond(ctx, &http.Client{}, baseURL, resp); err != nil {
		if inbox.IsDeliveryFailure(err) {
			return fmt.Errorf("response was recorded but not delivered: %w", err)
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), responseStyle.Render("sent"))
	return nil
}
