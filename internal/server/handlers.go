package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/agent-command/axel/internal/config"
	"github.com/agent-command/axel/internal/correlation"
	"github.com/agent-command/axel/internal/events"
	"github.com/agent-command/axel/internal/otlp"
	"github.com/go-chi/chi/v5"
)

var otelSignals = events.OtelEventTypes

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

// handleHookEvent accepts any body. The kind falls back to unknown_hook and a
// non-JSON body is stored as a JSON string, so nothing a hook sends is lost.
func (s *Server) handleHookEvent(w http.ResponseWriter, r *http.Request) {
	paneID := chi.URLParam(r, "pane_id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		writeBodyError(w, err)
		return
	}

	kind := events.HookKind(body)
	if sessionID, ok := events.SessionIDFromHook(body); ok {
		s.table.Record(sessionID, paneID)
	}

	if !s.ingest(w, events.NewEnvelope(kind, paneID, jsonPayload(body))) {
		return
	}
	writeOK(w)
}

// handleOtel serves both the direct-routed form (pane id in the URL) and the
// legacy form, which is routed through the correlation table.
func (s *Server) handleOtel(signal events.OtelEventType, direct bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := otlp.ReadBody(signal,
			r.Header.Get("Content-Type"),
			r.Header.Get("Content-Encoding"),
			http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize),
			s.cfg.MaxBodySize)
		if err != nil {
			s.logger.Debug("rejected otlp body", "signal", signal.Kind(), "error", err)
			writeBodyError(w, err)
			return
		}
		payload := jsonPayload(body)

		var paneID string
		if direct {
			paneID = chi.URLParam(r, "pane_id")
		} else {
			var correlated bool
			paneID, correlated = s.table.Route(signal, payload)
			if !correlated {
				s.metrics.uncorrelated.WithLabelValues(signal.Path()).Inc()
				s.logger.Debug("uncorrelated telemetry", "signal", signal.Kind(), "correlation_id", correlation.Sentinel)
			}
		}

		if !s.ingest(w, events.NewEnvelope(signal.Kind(), paneID, payload)) {
			return
		}
		if otlp.IsProtobuf(r.Header.Get("Content-Type")) {
			// An empty Export*ServiceResponse encodes to zero bytes.
			w.Header().Set("Content-Type", "application/x-protobuf")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "{}")
	}
}

// handleOutbox records a controller response and then types it into the pane.
// A delivery failure is a 500, but the envelope has already been logged and
// broadcast and stays that way.
func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		writeBodyError(w, err)
		return
	}

	resp, err := events.ParseOutboxResponse(body)
	if err != nil {
		http.Error(w, "Invalid payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if !s.ingest(w, events.NewEnvelope(string(resp.ResponseType), resp.SessionID, payload)) {
		return
	}

	// The request context is dropped so a client hanging up mid-delivery
	// cannot leave half the text typed.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.DeliverTimeout)
	defer cancel()

	mode, err := s.deliver(ctx, resp)
	if err != nil {
		s.metrics.outboxFailures.WithLabelValues(mode).Inc()
		s.logger.Error("outbox delivery failed",
			"mode", mode,
			"session_id", resp.SessionID,
			"pane_id", resp.PaneID,
			"request_id", requestIDFromContext(r.Context()),
			"error", err)
		if mode == deliveryTmux {
			http.Error(w, "Failed to send response to tmux", http.StatusInternalServerError)
		} else {
			http.Error(w, "Failed to write response file", http.StatusInternalServerError)
		}
		return
	}
	writeOK(w)
}

const (
	deliveryTmux = "tmux"
	deliveryFile = "file"
)

func (s *Server) deliver(ctx context.Context, resp events.OutboxResponse) (string, error) {
	if s.cfg.Session == "" || s.injector == nil {
		return deliveryFile, s.writeResponseFile(resp)
	}

	target := resp.PaneID
	if target == "" {
		target = config.PaneTarget(s.cfg.Session, s.cfg.DefaultPane)
	}
	// Text and Enter are separate sends so nothing in the text is read as a
	// key name.
	if err := s.injector.SendLiteral(ctx, target, resp.ResponseText); err != nil {
		return deliveryTmux, err
	}
	if err := s.injector.SendEnter(ctx, target); err != nil {
		return deliveryTmux, err
	}
	return deliveryTmux, nil
}

func (s *Server) writeResponseFile(resp events.OutboxResponse) error {
	if err := os.MkdirAll(s.cfg.ResponseDir, 0755); err != nil {
		return fmt.Errorf("failed to create response directory: %w", err)
	}
	path := ResponseFilePath(s.cfg.ResponseDir, resp.SessionID)
	if err := os.WriteFile(path, []byte(resp.ResponseText), 0644); err != nil {
		return fmt.Errorf("failed to write response file: %w", err)
	}
	return nil
}

// ResponseFilePath is where a response for sessionID is written when no tmux
// session is monitored. The session id is reduced to a safe file name.
func ResponseFilePath(dir, sessionID string) string {
	return filepath.Join(dir, "response_"+safeFileComponent(sessionID)+".txt")
}

func safeFileComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ingest submits env to the event log and the broadcaster. It writes a 500
// and returns false only when the event log no longer accepts envelopes.
func (s *Server) ingest(w http.ResponseWriter, env events.Envelope) bool {
	if err := s.eventLog.Submit(env); err != nil {
		s.logger.Error("failed to log event", "event_kind", env.EventKind, "error", err)
		http.Error(w, "Failed to log event", http.StatusInternalServerError)
		return false
	}
	s.broadcaster.Publish(env)
	s.metrics.events.WithLabelValues(env.EventKind).Inc()
	return true
}

// jsonPayload keeps valid JSON as is and wraps anything else as a JSON string.
func jsonPayload(body []byte) json.RawMessage {
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

func writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, otlp.ErrTooLarge):
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, otlp.ErrUnsupportedEncoding):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, otlp.ErrMalformed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "Failed to read body", http.StatusBadRequest)
	}
}
