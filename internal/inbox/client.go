// Package inbox is a client for the event server's live streams and outbox.
package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agent-command/axel/internal/events"
	"github.com/gorilla/websocket"
)

// DefaultBackoff is the reconnect schedule in milliseconds. The last entry
// repeats until the context is done.
var DefaultBackoff = []int{250, 500, 1000, 2000, 5000}

type Handler func(env events.Envelope)

type Client struct {
	url       string
	backoff   []int
	logger    *slog.Logger
	dialer    *websocket.Dialer
	onConnect func()
}

// NewClient returns a client for a ws:// or http:// inbox URL. An http URL is
// rewritten to its WebSocket form.
func NewClient(rawURL string, backoff []int, logger *slog.Logger) (*Client, error) {
	wsURL, err := websocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     wsURL,
		backoff: backoff,
		logger:  logger.With("component", "inbox"),
		dialer:  websocket.DefaultDialer,
	}, nil
}

func (c *Client) SetOnConnect(handler func()) {
	c.onConnect = handler
}

// URL is the WebSocket URL the client dials.
func (c *Client) URL() string {
	return c.url
}

// Run streams envelopes to fn until ctx is done, reconnecting with backoff
// whenever the connection drops. It returns nil on cancellation.
func (c *Client) Run(ctx context.Context, fn Handler) error {
	attempt := 0
	for {
		connected, err := c.session(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		delay := c.backoff[min(attempt, len(c.backoff)-1)]
		attempt++
		c.logger.Warn("inbox disconnected, reconnecting", "error", err, "attempt", attempt, "delay_ms", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}
	}
}

// session dials once and reads until the connection fails. connected reports
// whether the dial succeeded.
func (c *Client) session(ctx context.Context, fn Handler) (connected bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if c.onConnect != nil {
		c.onConnect()
	}

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		var env events.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug("skipping undecodable message", "error", err)
			continue
		}
		fn(env)
	}
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid inbox url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid inbox url %q: unsupported scheme", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/inbox/ws"
	}
	return u.String(), nil
}

// Respond posts an outbox response to the server at baseURL.
func Respond(ctx context.Context, client *http.Client, baseURL string, resp events.OutboxResponse) error {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode outbox response: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/outbox", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build outbox request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post outbox: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return &StatusError{Code: res.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return nil
}

// StatusError is a non-200 answer from the outbox endpoint.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("outbox returned %d: %s", e.Code, e.Message)
}

// IsDeliveryFailure reports whether err means the response was recorded but
// could not be typed into the pane.
func IsDeliveryFailure(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusInternalServerError
}
