package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/agent-command/axel/internal/events"
	"github.com/charmbracelet/lipgloss"
)

const maxPayloadWidth = 160

var (
	timeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6c7086"))
	hookStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa")).Bold(true)
	otelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#94e2d5"))
	responseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#a6e3a1")).Bold(true)
	unknownStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f38ba8"))
	corrStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#f9e2af"))
	payloadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#a6adc8"))
)

func kindStyle(kind string) lipgloss.Style {
	switch {
	case kind == events.UnknownHookKind:
		return unknownStyle
	case strings.HasPrefix(kind, "otel_"):
		return otelStyle
	case strings.HasSuffix(kind, "_response"):
		return responseStyle
	}
	return hookStyle
}

// renderEnvelope formats one envelope as a single terminal line.
func renderEnvelope(env events.Envelope) string {
	payload := strings.Join(strings.Fields(string(env.Payload)), " ")
	if runes := []rune(payload); len(runes) > maxPayloadWidth {
		payload = string(runes[:maxPayloadWidth-3]) + "..."
	}
	return fmt.Sprintf("%s %s %s %s",
		timeStyle.Render(env.Timestamp.Local().Format(time.TimeOnly)),
		kindStyle(env.EventKind).Render(fmt.Sprintf("%-18s", env.EventKind)),
		corrStyle.Render(env.CorrelationID),
		payloadStyle.Render(payload),
	)
}

// matchesFilter reports whether env passes the optional kind and correlation
// filters.
func matchesFilter(env events.Envelope, kinds []string, correlationID string) bool {
	if correlationID != "" && env.CorrelationID != correlationID {
		return false
	}
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if strings.EqualFold(k, env.EventKind) {
			return true
		}
	}
	return false
}
