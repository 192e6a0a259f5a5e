package tmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/agent-command/axel/internal/config"
)

type Pane struct {
	PaneID         string `json:"pane_id"`
	SessionName    string `json:"session_name"`
	WindowIndex    int    `json:"window_index"`
	PaneIndex      int    `json:"pane_index"`
	CurrentCommand string `json:"current_command"`
}

// Target builds the tmux target string (session:window.pane).
func (p *Pane) Target() string {
	return fmt.Sprintf("%s:%d.%d", p.SessionName, p.WindowIndex, p.PaneIndex)
}

type Client struct {
	cfg *config.TmuxConfig
}

func NewClient(cfg *config.TmuxConfig) *Client {
	return &Client{cfg: cfg}
}

// DefaultTarget is the pane in session that receives outbox responses when
// the caller names none.
func (c *Client) DefaultTarget(session string) string {
	return config.PaneTarget(session, c.cfg.DefaultPane)
}

func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	if c.cfg.Socket != "" {
		args = append([]string{"-S", c.cfg.Socket}, args...)
	}
	bin := c.cfg.Bin
	if bin == "" {
		bin = "tmux"
	}
	return exec.CommandContext(ctx, bin, args...)
}

func (c *Client) run(ctx context.Context, what string, args ...string) error {
	output, err := c.command(ctx, args...).CombinedOutput()
	if err != nil {
		if outputStr := strings.TrimSpace(string(output)); outputStr != "" {
			return fmt.Errorf("failed to %s: %w: %s", what, err, outputStr)
		}
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

// HasSession checks if a tmux session exists. A non-zero exit from tmux means
// the session is gone; failing to run tmux at all is returned as an error so
// callers can treat it as transient.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	err := c.command(ctx, "has-session", "-t", name).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return false, nil
	}
	return false, fmt.Errorf("failed to check session %q: %w", name, err)
}

// SendLiteral types text into a pane with send-keys -l, so key names inside
// the text are not interpreted.
func (c *Client) SendLiteral(ctx context.Context, target, text string) error {
	return c.run(ctx, "send text", "send-keys", "-t", target, "-l", "--", text)
}

// SendEnter presses Enter in a pane.
func (c *Client) SendEnter(ctx context.Context, target string) error {
	return c.run(ctx, "send enter", "send-keys", "-t", target, "Enter")
}

// ListPanes returns the panes of one session, or of every session when session
// is empty.
func (c *Client) ListPanes(ctx context.Context, session string) ([]Pane, error) {
	format := "#{pane_id}\t#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_current_command}"

	args := []string{"list-panes", "-F", format}
	if session == "" {
		args = append(args, "-a")
	} else {
		args = append(args, "-s", "-t", session)
	}

	output, err := c.command(ctx, args...).CombinedOutput()
	if err != nil {
		outputStr := strings.TrimSpace(string(output))
		// No tmux server running is not an error
		if strings.Contains(strings.ToLower(outputStr), "no server running") {
			return nil, nil
		}
		if outputStr != "" {
			return nil, fmt.Errorf("failed to list panes: %w: %s", err, outputStr)
		}
		return nil, fmt.Errorf("failed to list panes: %w", err)
	}
	return parsePanes(output)
}

func parsePanes(output []byte) ([]Pane, error) {
	var panes []Pane
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 4 {
			continue
		}

		pane := Pane{PaneID: fields[0], SessionName: fields[1]}
		pane.WindowIndex, _ = strconv.Atoi(fields[2])
		pane.PaneIndex, _ = strconv.Atoi(fields[3])
		if len(fields) > 4 {
			pane.CurrentCommand = fields[4]
		}
		panes = append(panes, pane)
	}
	return panes, scanner.Err()
}
