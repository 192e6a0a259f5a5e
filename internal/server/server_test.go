package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agent-command/axel/internal/config"
	"github.com/agent-command/axel/internal/correlation"
	"github.com/agent-command/axel/internal/eventlog"
	"github.com/agent-command/axel/internal/events"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	mu      sync.Mutex
	results []error // nil entry means "exists"
	gone    atomic.Bool
	calls   atomic.Int32
}

func (f *fakeChecker) HasSession(ctx context.Context, name string) (bool, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return !f.gone.Load(), nil
}

type sent struct {
	target string
	text   string
	enter  bool
}

type fakeInjector struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeInjector) SendLiteral(ctx context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{target: target, text: text})
	return nil
}

func (f *fakeInjector) SendEnter(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{target: target, enter: true})
	return nil
}

func (f *fakeInjector) calls() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type testEnv struct {
	srv     *Server
	log     *eventlog.Logger
	logPath string
	dir     string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, cfg Config, checker SessionChecker, injector Injector) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.jsonl")

	log, err := eventlog.Open(logPath, 100, quietLogger())
	require.NoError(t, err)

	if cfg.ResponseDir == "" {
		cfg.ResponseDir = filepath.Join(dir, "responses")
	}
	opts := Options{Config: cfg, Logger: quietLogger(), EventLog: log}
	if checker != nil {
		opts.Checker = checker
	}
	if injector != nil {
		opts.Injector = injector
	}
	srv, err := New(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = log.Close(ctx)
	})
	return &testEnv{srv: srv, log: log, logPath: logPath, dir: dir}
}

// envelopes closes the event log and returns everything it wrote.
func (e *testEnv) envelopes(t *testing.T) []events.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.log.Close(ctx))
	got, err := eventlog.ReadAll(e.logPath)
	require.NoError(t, err)
	return got
}

func (e *testEnv) post(t *testing.T, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func metricsBody(sessionID string) []byte {
	return []byte(`{"resourceMetrics":[{"scopeMetrics":[{"metrics":[{"name":"claude_code.cost.usage","sum":{"dataPoints":[{"asDouble":0.1,"attributes":[{"key":"session.id","value":{"stringValue":"` + sessionID + `"}}]}]}}]}]}]}`)
}

func TestNewRequiresEventLog(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestHookEventIsLoggedAndCorrelated(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)

	rec := env.post(t, "/events/pane-1", "application/json", []byte(`{"type":"SessionStart","session_id":"abc"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	pane, ok := env.srv.Table().Resolve("abc")
	require.True(t, ok)
	assert.Equal(t, "pane-1", pane)

	got := env.envelopes(t)
	require.Len(t, got, 1)
	assert.Equal(t, "SessionStart", got[0].EventKind)
	assert.Equal(t, "pane-1", got[0].CorrelationID)
	assert.JSONEq(t, `{"type":"SessionStart","session_id":"abc"}`, string(got[0].Payload))
}

func TestHookEventPermissiveParsing(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)

	assert.Equal(t, http.StatusOK, env.post(t, "/events/p", "application/json", []byte(`{"type":"Bogus","session_id":"s1"}`)).Code)
	assert.Equal(t, http.StatusOK, env.post(t, "/events/p", "text/plain", []byte(`not json at all`)).Code)

	// An unknown type still records the session.
	_, ok := env.srv.Table().Resolve("s1")
	assert.True(t, ok)

	got := env.envelopes(t)
	require.Len(t, got, 2)
	assert.Equal(t, events.UnknownHookKind, got[0].EventKind)
	assert.Equal(t, events.UnknownHookKind, got[1].EventKind)
	assert.JSONEq(t, `"not json at all"`, string(got[1].Payload))
}

func TestHookEventAfterLogClosedIs500(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	env.envelopes(t)

	rec := env.post(t, "/events/p", "application/json", []byte(`{"type":"Stop"}`))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLegacyOtelIsCorrelatedAfterHook(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)

	require.Equal(t, http.StatusOK, env.post(t, "/events/pane-1", "application/json", []byte(`{"type":"SessionStart","session_id":"abc"}`)).Code)
	require.Equal(t, http.StatusOK, env.post(t, "/v1/metrics", "application/json", metricsBody("abc")).Code)
	require.Equal(t, http.StatusOK, env.post(t, "/v1/metrics", "application/json", metricsBody("zzz")).Code)
	require.Equal(t, http.StatusOK, env.post(t, "/v1/traces", "application/json", []byte(`{"resourceSpans":[]}`)).Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.srv.Metrics().uncorrelated.WithLabelValues("metrics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.srv.Metrics().uncorrelated.WithLabelValues("traces")))

	got := env.envelopes(t)
	require.Len(t, got, 4)
	assert.Equal(t, "otel_metrics", got[1].EventKind)
	assert.Equal(t, "pane-1", got[1].CorrelationID)
	assert.Equal(t, correlation.Sentinel, got[2].CorrelationID)
	assert.Equal(t, "otel_traces", got[3].EventKind)
	assert.Equal(t, correlation.Sentinel, got[3].CorrelationID)
}

func TestDirectOtelUsesURLPane(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)

	rec := env.post(t, "/v1/logs/pane-9", "application/json", []byte(`{"resourceLogs":[]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	got := env.envelopes(t)
	require.Len(t, got, 1)
	assert.Equal(t, "otel_logs", got[0].EventKind)
	assert.Equal(t, "pane-9", got[0].CorrelationID)
}

func TestOtelRejectsMalformedProtobuf(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)

	rec := env.post(t, "/v1/metrics/p", "application/x-protobuf", []byte("\xff\xff\xff"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.envelopes(t))
}

func TestOtelRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t, Config{MaxBodySize: 16}, nil, nil)

	rec := env.post(t, "/v1/metrics/p", "application/json", []byte(`{"resourceMetrics":[{"scopeMetrics":[]}]}`))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestOutboxTmuxDelivery(t *testing.T) {
	injector := &fakeInjector{}
	env := newTestEnv(t, Config{Session: "work"}, nil, injector)

	rec := env.post(t, "/outbox", "application/json", []byte(`{"session_id":"abc","response_type":"permission_response","response_text":"y"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.post(t, "/outbox", "application/json", []byte(`{"session_id":"abc","response_type":"question_response","response_text":"Enter; rm","pane_id":"%7"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []sent{
		{target: "work:0.1", text: "y"},
		{target: "work:0.1", enter: true},
		{target: "%7", text: "Enter; rm"},
		{target: "%7", enter: true},
	}, injector.calls())

	got := env.envelopes(t)
	require.Len(t, got, 2)
	assert.Equal(t, "permission_response", got[0].EventKind)
	assert.Equal(t, "abc", got[0].CorrelationID)
	assert.Equal(t, "question_response", got[1].EventKind)
}

func TestOutboxUsesConfiguredDefaultPane(t *testing.T) {
	injector := &fakeInjector{}
	env := newTestEnv(t, Config{Session: "work", DefaultPane: "2.0"}, nil, injector)

	rec := env.post(t, "/outbox", "application/json", []byte(`{"session_id":"abc","response_type":"permission_response","response_text":"n"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	calls := injector.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, config.PaneTarget("work", "2.0"), calls[0].target)
	assert.Equal(t, "work:2.0", calls[1].target)
}

func TestOutboxDeliveryFailureKeepsEnvelope(t *testing.T) {
	injector := &fakeInjector{err: errors.New("can't find pane")}
	env := newTestEnv(t, Config{Session: "work"}, nil, injector)

	sub := env.srv.Broadcaster().Subscribe()
	defer sub.Close()

	rec := env.post(t, "/outbox", "application/json", []byte(`{"session_id":"abc","response_type":"permission_response","response_text":"y"}`))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.srv.Metrics().outboxFailures.WithLabelValues(deliveryTmux)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	broadcast, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "permission_response", broadcast.EventKind)

	got := env.envelopes(t)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].CorrelationID)
}

func TestOutboxFileDelivery(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, &fakeInjector{})

	rec := env.post(t, "/outbox", "application/json", []byte(`{"session_id":"../../etc/x","response_type":"question_response","response_text":"use tabs"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	path := ResponseFilePath(filepath.Join(env.dir, "responses"), "../../etc/x")
	assert.Equal(t, filepath.Join(env.dir, "responses"), filepath.Dir(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "use tabs", string(data))
}

func TestOutboxFileDeliveryFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	env := newTestEnv(t, Config{ResponseDir: filepath.Join(blocker, "sub")}, nil, nil)
	rec := env.post(t, "/outbox", "application/json", []byte(`{"session_id":"abc","response_type":"question_response","response_text":"x"}`))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Len(t, env.envelopes(t), 1)
}

func TestOutboxRejectsMalformed(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)

	for _, body := range []string{
		`not json`,
		`{"session_id":"abc","response_type":"maybe","response_text":"y"}`,
		`{"response_type":"permission_response","response_text":"y"}`,
	} {
		rec := env.post(t, "/outbox", "application/json", []byte(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, env.envelopes(t))
}

func TestResponseFilePathSanitizes(t *testing.T) {
	assert.Equal(t, filepath.Join("d", "response_abc-1_x.txt"), ResponseFilePath("d", "abc-1_x"))
	assert.Equal(t, filepath.Join("d", "response_______etc_x.txt"), ResponseFilePath("d", "../../etc/x"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	env.post(t, "/events/p", "application/json", []byte(`{"type":"Stop"}`))

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `axel_events_total{kind="Stop"} 1`)
	assert.Contains(t, rec.Body.String(), "axel_correlation_entries")
	assert.Contains(t, rec.Body.String(), "axel_eventlog_failed_total 0")
	assert.Contains(t, rec.Body.String(), "axel_inbox_published_total 1")
}

func TestRecovererReturns500(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	env.srv.router.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestInboxSSE(t *testing.T) {
	env := newTestEnv(t, Config{KeepAlive: 50 * time.Millisecond}, nil, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()
	defer env.srv.Broadcaster().Close()

	resp, err := http.Get(ts.URL + "/inbox")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Subscribe happens before headers are flushed.
	require.Eventually(t, func() bool { return env.srv.Broadcaster().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	postResp, err := http.Post(ts.URL+"/events/pane-1", "application/json", strings.NewReader(`{"type":"Stop"}`))
	require.NoError(t, err)
	postResp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var sawKeepAlive bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ":") {
			sawKeepAlive = true
		}
		if strings.HasPrefix(line, "data: ") {
			var got events.Envelope
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &got))
			assert.Equal(t, "Stop", got.EventKind)
			assert.Equal(t, "pane-1", got.CorrelationID)
			break
		}
	}

	// Wait for at least one idle keep-alive.
	for !sawKeepAlive && time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		sawKeepAlive = strings.HasPrefix(line, ":")
	}
	assert.True(t, sawKeepAlive)
}

func TestInboxWebSocket(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/inbox/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.srv.Broadcaster().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	postResp, err := http.Post(ts.URL+"/v1/metrics/pane-2", "application/json", strings.NewReader(`{"resourceMetrics":[]}`))
	require.NoError(t, err)
	postResp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got events.Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "otel_metrics", got.EventKind)
	assert.Equal(t, "pane-2", got.CorrelationID)

	// Closing the broadcaster ends the stream with a close frame.
	env.srv.Broadcaster().Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestServeStopsWhenSessionEnds(t *testing.T) {
	checker := &fakeChecker{results: []error{nil, errors.New("tmux: server exited unexpectedly")}}
	env := newTestEnv(t, Config{Session: "work", PollInterval: 20 * time.Millisecond}, checker, &fakeInjector{})
	ln := listen(t)

	done := make(chan error, 1)
	go func() { done <- env.srv.Serve(context.Background(), ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	postResp, err := http.Post(base+"/events/p", "application/json", strings.NewReader(`{"type":"Stop"}`))
	require.NoError(t, err)
	postResp.Body.Close()

	// A transient check error does not stop the server; an absent session does.
	assert.Equal(t, StateRunning, env.srv.State())
	checker.gone.Store(true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after the session ended")
	}

	assert.Equal(t, StateStopped, env.srv.State())
	assert.Equal(t, "session ended", env.srv.ShutdownReason())
	assert.GreaterOrEqual(t, checker.calls.Load(), int32(3))

	got, err := eventlog.ReadAll(env.logPath)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = http.Get(base + "/health")
	assert.Error(t, err)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t, Config{ShutdownGrace: time.Second}, nil, nil)
	ln := listen(t)
	ts := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Serve(ctx, ln) }()

	// An open SSE stream must not hold shutdown past the grace period.
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(ts + "/inbox")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
	assert.Equal(t, StateStopped, env.srv.State())
	assert.Equal(t, "interrupt", env.srv.ShutdownReason())

	_, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
}

func TestRunFailsWhenAddressInUse(t *testing.T) {
	ln := listen(t)
	defer ln.Close()

	env := newTestEnv(t, Config{Addr: ln.Addr().String()}, nil, nil)
	err := env.srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
