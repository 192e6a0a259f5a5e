package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Watchdog polls a tmux session and closes Done the first time the session
// is confirmed gone. Check errors are treated as "still running".
type Watchdog struct {
	session  string
	interval time.Duration
	checker  SessionChecker
	logger   *slog.Logger

	done chan struct{}
	once sync.Once
}

func NewWatchdog(session string, interval time.Duration, checker SessionChecker, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		session:  session,
		interval: interval,
		checker:  checker,
		logger:   logger.With("session", session),
		done:     make(chan struct{}),
	}
}

// Done is closed once the session has disappeared.
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}

// Run polls until the session is gone or ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !w.check(ctx) {
			w.logger.Info("tmux session ended")
			w.once.Do(func() { close(w.done) })
			return
		}
	}
}

// check reports whether the session should be considered alive.
func (w *Watchdog) check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	ok, err := w.checker.HasSession(checkCtx, w.session)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("failed to check tmux session", "error", err)
		}
		return true
	}
	return ok
}
