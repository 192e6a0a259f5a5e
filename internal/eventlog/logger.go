// Package eventlog persists envelopes to an append-only JSONL file and reads
// them back.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/agent-command/axel/internal/events"
)

const DefaultQueueSize = 1000

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("event logger closed")

// Logger is the single writer of the event log. Submit never blocks: when the
// queue is full the envelope is dropped and counted.
type Logger struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan events.Envelope
	done   chan struct{}

	file   *os.File
	writer *bufio.Writer

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
}

// Open creates the parent directory, opens path for append and starts the
// writer goroutine.
func Open(path string, queueSize int, logger *slog.Logger) (*Logger, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log for append: %w", err)
	}

	l := &Logger{
		path:   path,
		logger: logger.With("component", "eventlog"),
		queue:  make(chan events.Envelope, queueSize),
		done:   make(chan struct{}),
		file:   file,
		writer: bufio.NewWriter(file),
	}
	go l.run()
	return l, nil
}

// Path returns the log file path.
func (l *Logger) Path() string {
	return l.path
}

// Submit enqueues an envelope for writing.
func (l *Logger) Submit(env events.Envelope) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	select {
	case l.queue <- env:
	default:
		n := l.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			l.logger.Warn("event queue full, dropping envelope", "dropped", n, "event_kind", env.EventKind)
		}
	}
	return nil
}

// Close stops accepting envelopes and waits for the queue to drain.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event log drain: %w", ctx.Err())
	}
}

// Dropped is the number of envelopes discarded because the queue was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Written is the number of envelopes written and flushed.
func (l *Logger) Written() int64 {
	return l.written.Load()
}

// Failed is the number of envelopes lost to encode or I/O errors.
func (l *Logger) Failed() int64 {
	return l.failed.Load()
}

// QueueLen is the number of envelopes waiting to be written.
func (l *Logger) QueueLen() int {
	return len(l.queue)
}

func (l *Logger) run() {
	defer close(l.done)
	defer func() {
		if err := l.file.Close(); err != nil {
			l.logger.Error("failed to close event log", "path", l.path, "error", err)
		}
	}()

	for env := range l.queue {
		if err := l.write(env); err != nil {
			l.failed.Add(1)
			l.logger.Error("failed to write event", "path", l.path, "event_kind", env.EventKind, "error", err)
			continue
		}
		l.written.Add(1)
	}
}

func (l *Logger) write(env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	// bufio.Writer errors are sticky; reset so one failed write does not
	// poison every write after it.
	if _, err := l.writer.Write(data); err != nil {
		l.writer.Reset(l.file)
		return fmt.Errorf("write: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		l.writer.Reset(l.file)
		return fmt.Errorf("write newline: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		l.writer.Reset(l.file)
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
