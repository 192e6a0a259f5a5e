package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agent-command/axel/internal/events"
	"github.com/agent-command/axel/internal/fanout"
	"github.com/gorilla/websocket"
)

// WebSocket timeouts.
const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

// The inbox is a loopback service; any origin may subscribe.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// nextOrIdle waits up to idle for the next envelope. timedOut reports that
// nothing arrived while the stream stayed open.
func nextOrIdle(ctx context.Context, sub *fanout.Subscription, idle time.Duration) (env events.Envelope, timedOut bool, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, idle)
	defer cancel()

	env, err = sub.Next(waitCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return events.Envelope{}, true, nil
	}
	return env, false, err
}

// handleInboxSSE streams every envelope as one SSE data frame. Lag is logged
// and the stream carries on from the oldest retained envelope.
func (s *Server) handleInboxSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.broadcaster.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.logger.With("stream", "sse", "request_id", requestIDFromContext(r.Context()))
	logger.Debug("inbox subscriber connected")
	defer logger.Debug("inbox subscriber disconnected")

	ctx := r.Context()
	for {
		env, idle, err := nextOrIdle(ctx, sub, s.cfg.KeepAlive)
		var lagged *fanout.LaggedError
		switch {
		case idle:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case errors.As(err, &lagged):
			s.metrics.lagged.Add(float64(lagged.Skipped))
			logger.Warn("inbox subscriber lagged", "skipped", lagged.Skipped)
			continue
		case err != nil:
			return
		default:
			data, err := json.Marshal(env)
			if err != nil {
				logger.Error("failed to encode envelope", "event_kind", env.EventKind, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", sub.Seq(), data); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

// handleInboxWS streams every envelope as one text message.
func (s *Server) handleInboxWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()

	sub := s.broadcaster.Subscribe()
	defer sub.Close()

	logger := s.logger.With("stream", "ws", "request_id", requestIDFromContext(r.Context()))
	logger.Debug("inbox subscriber connected")
	defer logger.Debug("inbox subscriber disconnected")

	// The read side only handles control frames and notices the peer going
	// away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	pongWait := 2 * s.cfg.PingInterval
	go func() {
		defer cancel()
		conn.SetReadLimit(wsMaxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		env, idle, err := nextOrIdle(ctx, sub, s.cfg.PingInterval)
		var lagged *fanout.LaggedError
		switch {
		case idle:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case errors.As(err, &lagged):
			s.metrics.lagged.Add(float64(lagged.Skipped))
			logger.Warn("inbox subscriber lagged", "skipped", lagged.Skipped)
		case errors.Is(err, fanout.ErrClosed):
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case err != nil:
			return
		default:
			data, err := json.Marshal(env)
			if err != nil {
				logger.Error("failed to encode envelope", "event_kind", env.EventKind, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
