package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/agent-command/axel/internal/events"
	"github.com/fsnotify/fsnotify"
)

const maxLineSize = 4 * 1024 * 1024

// ReadAll loads every valid envelope in the file. Invalid lines are skipped.
func ReadAll(path string) ([]events.Envelope, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	var out []events.Envelope
	err = Scan(file, func(env events.Envelope) {
		out = append(out, env)
	})
	return out, err
}

// Scan calls fn for each valid envelope line in r.
func Scan(r io.Reader, fn func(events.Envelope)) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)
	for scanner.Scan() {
		if env, ok := decodeLine(scanner.Bytes()); ok {
			fn(env)
		}
	}
	return scanner.Err()
}

func decodeLine(line []byte) (events.Envelope, bool) {
	if len(bytes.TrimSpace(line)) == 0 {
		return events.Envelope{}, false
	}
	var env events.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return events.Envelope{}, false
	}
	return env, true
}

// Follow tails the event log, calling fn for every complete envelope line
// appended after it starts (or from the beginning when fromStart is set).
// Neither the file nor its directory needs to exist yet. Follow returns nil when ctx is done.
func Follow(ctx context.Context, path string, fromStart bool, fn func(events.Envelope)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	t := &tailer{path: filepath.Clean(path), fn: fn}
	if !fromStart {
		if info, err := os.Stat(path); err == nil {
			t.offset = info.Size()
		}
	}
	if err := t.drain(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != t.path {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				t.reset()
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if err := t.drain(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}

type tailer struct {
	path    string
	offset  int64
	partial []byte
	fn      func(events.Envelope)
}

func (t *tailer) reset() {
	t.offset = 0
	t.partial = nil
}

// drain reads from the current offset to EOF and emits complete lines.
func (t *tailer) drain() error {
	file, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat event log: %w", err)
	}
	if info.Size() < t.offset {
		// Truncated underneath us.
		t.reset()
	}
	if info.Size() == t.offset {
		return nil
	}

	data, err := io.ReadAll(io.NewSectionReader(file, t.offset, info.Size()-t.offset))
	if err != nil {
		return fmt.Errorf("failed to read event log: %w", err)
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		if env, ok := decodeLine(buf[:idx]); ok {
			t.fn(env)
		}
		buf = buf[idx+1:]
	}
	t.partial = append([]byte(nil), buf...)
	return nil
}
