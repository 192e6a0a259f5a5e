// Package events defines the envelope persisted and broadcast by the event
// server, and the hook, telemetry and outbox payload types it ingests.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UnknownHookKind is recorded for hook bodies that do not parse as a HookEvent.
const UnknownHookKind = "unknown_hook"

var (
	ErrUnknownHookType     = errors.New("unknown hook event type")
	ErrUnknownResponseType = errors.New("unknown outbox response type")
)

// Envelope wraps every ingested payload. It is the JSONL storage record and
// the SSE/WebSocket wire format.
type Envelope struct {
	Timestamp     time.Time       `json:"timestamp"`
	EventKind     string          `json:"event_kind"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope stamps the payload with the current UTC time.
func NewEnvelope(kind, correlationID string, payload json.RawMessage) Envelope {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		Timestamp:     time.Now().UTC(),
		EventKind:     kind,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// HookEventType is the closed set of assistant lifecycle hooks.
type HookEventType int

const (
	PreToolUse HookEventType = iota + 1
	PostToolUse
	SessionStart
	SessionEnd
	Stop
	SubagentStop
	PermissionRequest
)

// HookEventTypes lists every hook in declaration order.
var HookEventTypes = []HookEventType{
	PreToolUse, PostToolUse, SessionStart, SessionEnd, Stop, SubagentStop, PermissionRequest,
}

var hookNames = map[HookEventType]string{
	PreToolUse:        "PreToolUse",
	PostToolUse:       "PostToolUse",
	SessionStart:      "SessionStart",
	SessionEnd:        "SessionEnd",
	Stop:              "Stop",
	SubagentStop:      "SubagentStop",
	PermissionRequest: "PermissionRequest",
}

// hookAliases maps both the PascalCase name and its snake_case form.
var hookAliases = func() map[string]HookEventType {
	m := make(map[string]HookEventType, len(hookNames)*2)
	for t, name := range hookNames {
		m[name] = t
		m[snakeCase(name)] = t
	}
	return m
}()

func (t HookEventType) String() string {
	if name, ok := hookNames[t]; ok {
		return name
	}
	return fmt.Sprintf("HookEventType(%d)", int(t))
}

// ParseHookEventType accepts "SessionStart" or "session_start".
func ParseHookEventType(s string) (HookEventType, error) {
	if t, ok := hookAliases[s]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownHookType, s)
}

func (t HookEventType) MarshalJSON() ([]byte, error) {
	name, ok := hookNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHookType, int(t))
	}
	return json.Marshal(name)
}

func (t *HookEventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHookEventType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// HookEvent is a hook body. Only the type and the assistant session id are
// decoded; everything else stays opaque in the envelope payload.
type HookEvent struct {
	Type      HookEventType `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
}

// ParseHookEvent decodes a hook body strictly enough to know its type. The
// type is read from "type", or from "hook_event_name" as sent by Claude Code
// itself when "type" is absent. hook_event_name is not looked at when "type"
// is present. A session_id that is not a string is ignored rather than failing
// the parse.
func ParseHookEvent(body []byte) (HookEvent, error) {
	var head struct {
		Type     json.RawMessage `json:"type"`
		HookName json.RawMessage `json:"hook_event_name"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return HookEvent{}, err
	}

	raw := head.Type
	if isAbsent(raw) {
		raw = head.HookName
	}
	if isAbsent(raw) {
		return HookEvent{}, fmt.Errorf("%w: missing type", ErrUnknownHookType)
	}

	var ev HookEvent
	if err := json.Unmarshal(raw, &ev.Type); err != nil {
		return HookEvent{}, err
	}
	ev.SessionID, _ = SessionIDFromHook(body)
	return ev, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// HookKind returns the event kind for a hook body, or UnknownHookKind.
func HookKind(body []byte) string {
	ev, err := ParseHookEvent(body)
	if err != nil {
		return UnknownHookKind
	}
	return ev.Type.String()
}

// SessionIDFromHook extracts a string session_id from any JSON object body,
// whether or not the hook type itself is recognised.
func SessionIDFromHook(body []byte) (string, bool) {
	var probe struct {
		SessionID any `json:"session_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", false
	}
	id, ok := probe.SessionID.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// OtelEventType is the closed set of OTLP signals.
type OtelEventType int

const (
	Metrics OtelEventType = iota + 1
	Traces
	Logs
)

// Kind is the envelope event kind for the signal.
func (t OtelEventType) Kind() string {
	switch t {
	case Metrics:
		return "otel_metrics"
	case Traces:
		return "otel_traces"
	case Logs:
		return "otel_logs"
	}
	return "otel_unknown"
}

// Path is the OTLP/HTTP path segment for the signal.
func (t OtelEventType) Path() string {
	switch t {
	case Metrics:
		return "metrics"
	case Traces:
		return "traces"
	case Logs:
		return "logs"
	}
	return ""
}

func (t OtelEventType) String() string {
	return t.Kind()
}

// OtelEventTypes lists every signal in route registration order.
var OtelEventTypes = []OtelEventType{Metrics, Traces, Logs}

// OutboxResponseType is the closed set of controller decisions.
type OutboxResponseType string

const (
	PermissionResponse OutboxResponseType = "permission_response"
	QuestionResponse   OutboxResponseType = "question_response"
)

func (t OutboxResponseType) Valid() bool {
	return t == PermissionResponse || t == QuestionResponse
}

func (t *OutboxResponseType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v := OutboxResponseType(s)
	if !v.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownResponseType, s)
	}
	*t = v
	return nil
}

// OutboxResponse is a decision made by an external controller that must be
// typed into the live pane.
type OutboxResponse struct {
	SessionID    string             `json:"session_id"`
	ResponseType OutboxResponseType `json:"response_type"`
	ResponseText string             `json:"response_text"`
	PaneID       string             `json:"pane_id,omitempty"`
}

// ParseOutboxResponse decodes strictly: malformed JSON, trailing data, a
// missing session id and an unknown response type are all errors.
func ParseOutboxResponse(body []byte) (OutboxResponse, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	var resp OutboxResponse
	if err := dec.Decode(&resp); err != nil {
		return OutboxResponse{}, fmt.Errorf("decode outbox response: %w", err)
	}
	if dec.More() {
		return OutboxResponse{}, errors.New("decode outbox response: trailing data")
	}
	if resp.SessionID == "" {
		return OutboxResponse{}, errors.New("session_id is required")
	}
	if !resp.ResponseType.Valid() {
		return OutboxResponse{}, errors.New("response_type is required")
	}
	return resp, nil
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
