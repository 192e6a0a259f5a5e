// Package server is the event collection and correlation server: it ingests
// hook and OpenTelemetry events, persists and broadcasts them, delivers
// outbox responses into tmux, and shuts down when the monitored tmux session
// goes away.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agent-command/axel/internal/config"
	"github.com/agent-command/axel/internal/correlation"
	"github.com/agent-command/axel/internal/eventlog"
	"github.com/agent-command/axel/internal/fanout"
	"github.com/agent-command/axel/internal/otlp"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// SessionChecker reports whether a tmux session still exists. An error means
// the answer is unknown.
type SessionChecker interface {
	HasSession(ctx context.Context, name string) (bool, error)
}

// Injector types text into a tmux target.
type Injector interface {
	SendLiteral(ctx context.Context, target, text string) error
	SendEnter(ctx context.Context, target string) error
}

type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
	DefaultDeliverTimeout = 5 * time.Second
	DefaultKeepAlive      = 15 * time.Second
	DefaultPingInterval   = 30 * time.Second
)

type Config struct {
	Addr string
	// Session is the monitored tmux session. Empty disables the watchdog
	// and makes the outbox write response files instead of typing.
	Session        string
	DefaultPane    string
	ResponseDir    string
	FanoutSize     int
	MaxBodySize    int64
	PollInterval   time.Duration
	ShutdownGrace  time.Duration
	DeliverTimeout time.Duration
	KeepAlive      time.Duration
	PingInterval   time.Duration
}

// NewConfig maps the file configuration onto server settings.
func NewConfig(c *config.Config) Config {
	return Config{
		Addr:           c.Server.Addr(),
		Session:        c.Server.Session,
		DefaultPane:    c.Tmux.DefaultPane,
		ResponseDir:    c.Server.ResponseDir,
		FanoutSize:     c.Server.FanoutSize,
		PollInterval:   c.Server.PollInterval(),
		ShutdownGrace:  c.Server.ShutdownGrace(),
		DeliverTimeout: c.Server.DeliverTimeout(),
	}
}

func (c *Config) applyDefaults() {
	if c.DefaultPane == "" {
		c.DefaultPane = config.DefaultTmuxPane
	}
	if c.ResponseDir == "" {
		c.ResponseDir = ".axel"
	}
	if c.FanoutSize <= 0 {
		c.FanoutSize = fanout.DefaultCapacity
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = otlp.DefaultMaxBodySize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = DefaultDeliverTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
}

type Options struct {
	Config   Config
	Logger   *slog.Logger
	EventLog *eventlog.Logger
	// Checker and Injector may be nil when no tmux session is monitored.
	Checker  SessionChecker
	Injector Injector
}

type Server struct {
	cfg         Config
	logger      *slog.Logger
	eventLog    *eventlog.Logger
	broadcaster *fanout.Broadcaster
	table       *correlation.Table
	checker     SessionChecker
	injector    Injector
	metrics     *Metrics
	router      chi.Router
	state       atomic.Int32
	reason      atomic.Value
}

func New(opts Options) (*Server, error) {
	if opts.EventLog == nil {
		return nil, errors.New("server: event log is required")
	}
	cfg := opts.Config
	cfg.applyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger.With("component", "server"),
		eventLog:    opts.EventLog,
		broadcaster: fanout.New(cfg.FanoutSize),
		table:       correlation.NewTable(),
		checker:     opts.Checker,
		injector:    opts.Injector,
	}
	s.metrics = newMetrics(s)
	s.router = s.buildRouter()
	return s, nil
}

// Handler is the HTTP surface, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// ShutdownReason says what ended the server, once it is draining.
func (s *Server) ShutdownReason() string {
	reason, _ := s.reason.Load().(string)
	return reason
}

func (s *Server) Broadcaster() *fanout.Broadcaster {
	return s.broadcaster
}

func (s *Server) Table() *correlation.Table {
	return s.table
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Run binds cfg.Addr and serves until ctx is done or the monitored session
// disappears. Failing to bind is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server, the watchdog and the shutdown coordinator on
// ln. When either ctx or the watchdog fires, the listener closes, in-flight
// requests get ShutdownGrace to finish, live streams are closed, and the
// event log is drained.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeout stays 0 for long-lived SSE streams.
	}
	// Shutdown does not cancel request contexts; streams end when the
	// broadcaster closes.
	httpServer.RegisterOnShutdown(s.broadcaster.Close)

	var sessionGone <-chan struct{}
	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.Session != "" && s.checker != nil {
		wd := NewWatchdog(s.cfg.Session, s.cfg.PollInterval, s.checker, s.logger)
		sessionGone = wd.Done()
		g.Go(func() error {
			wd.Run(gctx)
			return nil
		})
	} else {
		s.logger.Info("no tmux session configured, watchdog disabled")
	}

	g.Go(func() error {
		s.logger.Info("event server listening", "addr", ln.Addr().String(), "log_path", s.eventLog.Path(), "session", s.cfg.Session)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.reason.Store("interrupt")
		case <-sessionGone:
			s.reason.Store("session ended")
		}
		s.state.Store(int32(StateDraining))
		s.logger.Info("shutting down", "reason", s.ShutdownReason(), "grace", s.cfg.ShutdownGrace)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown timed out, closing connections", "error", err)
			_ = httpServer.Close()
		}
		return nil
	})

	err := g.Wait()

	s.broadcaster.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if closeErr := s.eventLog.Close(drainCtx); closeErr != nil {
		s.logger.Error("event log did not drain", "error", closeErr)
		err = errors.Join(err, closeErr)
	}

	s.state.Store(int32(StateStopped))
	s.logger.Info("event server stopped", "written", s.eventLog.Written(), "dropped", s.eventLog.Dropped())
	return err
}
