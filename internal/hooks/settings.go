// Package hooks wires an assistant's hooks and OpenTelemetry exporter to the
// event server for one pane.
package hooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agent-command/axel/internal/events"
	"github.com/google/uuid"
)

// HookTimeoutSeconds bounds each hook command so a dead server never stalls
// the assistant.
const HookTimeoutSeconds = 5

type Hook struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

type Matcher struct {
	Matcher string `json:"matcher"`
	Hooks   []Hook `json:"hooks"`
}

// Settings is the part of .claude/settings.json owned by axel. Keys are hook
// event names (PreToolUse, ...).
type Settings struct {
	Hooks map[string][]Matcher `json:"hooks"`
}

// NewPaneID returns a fresh correlation id for a pane.
func NewPaneID() string {
	return uuid.New().String()
}

// BaseURL is the event server root as seen from the assistant.
func BaseURL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

// EventsEndpoint is the hook URL for a pane.
func EventsEndpoint(baseURL, paneID string) string {
	return fmt.Sprintf("%s/events/%s", baseURL, paneID)
}

// OtelEndpoint is the direct-routed OTLP/HTTP URL for one signal of a pane.
func OtelEndpoint(baseURL string, signal events.OtelEventType, paneID string) string {
	return fmt.Sprintf("%s/v1/%s/%s", baseURL, signal.Path(), paneID)
}

// Generate returns settings that POST every hook event's stdin to the pane's
// events endpoint.
func Generate(baseURL, paneID string) Settings {
	command := fmt.Sprintf("curl -s -X POST -H 'Content-Type: application/json' -d @- %s", EventsEndpoint(baseURL, paneID))

	settings := Settings{Hooks: make(map[string][]Matcher, len(events.HookEventTypes))}
	for _, t := range events.HookEventTypes {
		settings.Hooks[t.String()] = []Matcher{{
			Matcher: "*",
			Hooks:   []Hook{{Type: "command", Command: command, Timeout: HookTimeoutSeconds}},
		}}
	}
	return settings
}

// SettingsPath is the Claude settings file inside a workspace.
func SettingsPath(workspace string) string {
	return filepath.Join(workspace, ".claude", "settings.json")
}

// Write stores settings at path. An existing file keeps every top-level key
// except "hooks", which is replaced.
func Write(path string, settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	doc := map[string]json.RawMessage{}
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(bytes.TrimSpace(existing)) > 0 {
			if err := json.Unmarshal(existing, &doc); err != nil {
				return fmt.Errorf("parse existing settings %s: %w", path, err)
			}
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("read existing settings: %w", err)
	}

	hooks, err := json.Marshal(settings.Hooks)
	if err != nil {
		return fmt.Errorf("encode hooks: %w", err)
	}
	doc["hooks"] = hooks

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	out = append(out, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// OtelEnv returns the environment that points Claude Code's OpenTelemetry
// exporter at the pane's direct-routed endpoints.
func OtelEnv(baseURL, paneID string) map[string]string {
	return map[string]string{
		"CLAUDE_CODE_ENABLE_TELEMETRY":        "1",
		"OTEL_METRICS_EXPORTER":               "otlp",
		"OTEL_LOGS_EXPORTER":                  "otlp",
		"OTEL_TRACES_EXPORTER":                "otlp",
		"OTEL_EXPORTER_OTLP_PROTOCOL":         "http/json",
		"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT": OtelEndpoint(baseURL, events.Metrics, paneID),
		"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT":    OtelEndpoint(baseURL, events.Logs, paneID),
		"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT":  OtelEndpoint(baseURL, events.Traces, paneID),
	}
}
