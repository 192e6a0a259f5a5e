// Package correlation maps assistant session ids to the tmux pane that
// produced them, so telemetry without a pane id in its URL can be filed
// against the right pane.
package correlation

import (
	"encoding/json"
	"sync"

	"github.com/agent-command/axel/internal/events"
)

// Sentinel is the correlation id for telemetry that could not be routed.
const Sentinel = "otel"

// SessionAttribute is the OTLP attribute key carrying the assistant session id.
const SessionAttribute = "session.id"

// Table is safe for concurrent use. Entries live for the process lifetime.
type Table struct {
	mu    sync.RWMutex
	panes map[string]string
}

func NewTable() *Table {
	return &Table{panes: make(map[string]string)}
}

// Record inserts or overwrites the pane for sessionID. Empty ids are ignored.
func (t *Table) Record(sessionID, paneID string) {
	if sessionID == "" || paneID == "" {
		return
	}
	t.mu.Lock()
	t.panes[sessionID] = paneID
	t.mu.Unlock()
}

func (t *Table) Resolve(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	t.mu.RLock()
	pane, ok := t.panes[sessionID]
	t.mu.RUnlock()
	return pane, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.panes)
}

// Route returns the pane for an OTLP-JSON payload of the given signal, or
// Sentinel with correlated=false when the payload has no session id or the
// session is unknown.
func (t *Table) Route(signal events.OtelEventType, payload []byte) (paneID string, correlated bool) {
	sessionID, ok := SessionID(signal, payload)
	if !ok {
		return Sentinel, false
	}
	pane, ok := t.Resolve(sessionID)
	if !ok {
		return Sentinel, false
	}
	return pane, true
}

// SessionID extracts the session id from an OTLP-JSON document of any signal.
func SessionID(signal events.OtelEventType, payload []byte) (string, bool) {
	switch signal {
	case events.Metrics:
		return SessionIDFromMetrics(payload)
	case events.Traces:
		return SessionIDFromTraces(payload)
	case events.Logs:
		return SessionIDFromLogs(payload)
	}
	return "", false
}

// The OTLP shapes below are deliberately partial: only the fields on the path
// to an attribute are declared, so unrelated fields never fail decoding.

type attribute struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type resource struct {
	Attributes []attribute `json:"attributes"`
}

type metricsDoc struct {
	ResourceMetrics []struct {
		ScopeMetrics []struct {
			Metrics []struct {
				Sum *struct {
					DataPoints []struct {
						Attributes []attribute `json:"attributes"`
					} `json:"dataPoints"`
				} `json:"sum"`
			} `json:"metrics"`
		} `json:"scopeMetrics"`
	} `json:"resourceMetrics"`
}

type tracesDoc struct {
	ResourceSpans []struct {
		Resource   *resource `json:"resource"`
		ScopeSpans []struct {
			Spans []struct {
				Attributes []attribute `json:"attributes"`
			} `json:"spans"`
		} `json:"scopeSpans"`
	} `json:"resourceSpans"`
}

type logsDoc struct {
	ResourceLogs []struct {
		Resource  *resource `json:"resource"`
		ScopeLogs []struct {
			LogRecords []struct {
				Attributes []attribute `json:"attributes"`
			} `json:"logRecords"`
		} `json:"scopeLogs"`
	} `json:"resourceLogs"`
}

// SessionIDFromMetrics walks
// resourceMetrics[].scopeMetrics[].metrics[].sum.dataPoints[].attributes[]
// and returns the first string session.id value. Any missing level is simply
// no match.
func SessionIDFromMetrics(payload []byte) (string, bool) {
	var doc metricsDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", false
	}
	for _, rm := range doc.ResourceMetrics {
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if m.Sum == nil {
					continue
				}
				for _, dp := range m.Sum.DataPoints {
					if id, ok := findSessionID(dp.Attributes); ok {
						return id, true
					}
				}
			}
		}
	}
	return "", false
}

// SessionIDFromTraces checks resource attributes first, then span attributes.
func SessionIDFromTraces(payload []byte) (string, bool) {
	var doc tracesDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", false
	}
	for _, rs := range doc.ResourceSpans {
		if rs.Resource != nil {
			if id, ok := findSessionID(rs.Resource.Attributes); ok {
				return id, true
			}
		}
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				if id, ok := findSessionID(span.Attributes); ok {
					return id, true
				}
			}
		}
	}
	return "", false
}

// SessionIDFromLogs checks resource attributes first, then log record
// attributes.
func SessionIDFromLogs(payload []byte) (string, bool) {
	var doc logsDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", false
	}
	for _, rl := range doc.ResourceLogs {
		if rl.Resource != nil {
			if id, ok := findSessionID(rl.Resource.Attributes); ok {
				return id, true
			}
		}
		for _, sl := range rl.ScopeLogs {
			for _, rec := range sl.LogRecords {
				if id, ok := findSessionID(rec.Attributes); ok {
					return id, true
				}
			}
		}
	}
	return "", false
}

func findSessionID(attrs []attribute) (string, bool) {
	for _, attr := range attrs {
		if attr.Key != SessionAttribute {
			continue
		}
		if id, ok := stringValue(attr.Value); ok {
			return id, true
		}
	}
	return "", false
}

// stringValue accepts the OTLP AnyValue form {"stringValue":"..."} and a bare
// JSON string.
func stringValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var v struct {
		StringValue *string `json:"stringValue"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.StringValue == nil {
		return "", false
	}
	return *v.StringValue, *v.StringValue != ""
}
