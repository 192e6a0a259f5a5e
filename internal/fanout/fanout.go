// Package fanout republishes envelopes to any number of live subscribers.
//
// The Broadcaster keeps the last N envelopes in a ring. Every subscriber owns a
// cursor into that ring, so a slow reader never blocks the publisher or other
// readers; it is told how many envelopes it missed and resumes from the oldest
// one still retained.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agent-command/axel/internal/events"
)

const DefaultCapacity = 100

// ErrClosed is returned by Next once the subscription or the broadcaster has
// been closed.
var ErrClosed = errors.New("fanout closed")

// LaggedError reports envelopes overwritten before the subscriber read them.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, skipped %d envelopes", e.Skipped)
}

type Broadcaster struct {
	mu     sync.Mutex
	ring   []events.Envelope
	next   uint64 // sequence number of the next published envelope
	notify chan struct{}
	closed bool
	subs   int
}

func New(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcaster{
		ring:   make([]events.Envelope, capacity),
		notify: make(chan struct{}),
	}
}

// Publish stores env and wakes every waiting subscriber. It never blocks on
// subscribers and is a no-op after Close.
func (b *Broadcaster) Publish(env events.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.ring[b.next%uint64(len(b.ring))] = env
	b.next++

	close(b.notify)
	b.notify = make(chan struct{})
}

// Subscribe returns a subscription that starts with the next published
// envelope.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs++
	return &Subscription{b: b, cursor: b.next}
}

// Subscribers is the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Published is the total number of envelopes published.
func (b *Broadcaster) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Close wakes every subscriber with ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

func (b *Broadcaster) oldest() uint64 {
	if n := uint64(len(b.ring)); b.next > n {
		return b.next - n
	}
	return 0
}

// Subscription is a single reader. It must not be shared between goroutines.
type Subscription struct {
	b      *Broadcaster
	cursor uint64
	last   uint64
	closed bool
}

// Next blocks until an envelope is available, ctx is done, or the
// subscription is closed. A *LaggedError moves the cursor forward; the
// following call returns the oldest retained envelope.
func (s *Subscription) Next(ctx context.Context) (events.Envelope, error) {
	b := s.b
	for {
		b.mu.Lock()
		if s.closed || b.closed {
			b.mu.Unlock()
			return events.Envelope{}, ErrClosed
		}

		if oldest := b.oldest(); s.cursor < oldest {
			skipped := oldest - s.cursor
			s.cursor = oldest
			b.mu.Unlock()
			return events.Envelope{}, &LaggedError{Skipped: skipped}
		}

		if s.cursor < b.next {
			env := b.ring[s.cursor%uint64(len(b.ring))]
			s.last = s.cursor
			s.cursor++
			b.mu.Unlock()
			return env, nil
		}

		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return events.Envelope{}, ctx.Err()
		case <-wait:
		}
	}
}

// Seq is the sequence number of the envelope last returned by Next.
func (s *Subscription) Seq() uint64 {
	return s.last
}

// Close unsubscribes. It does not affect other subscriptions.
func (s *Subscription) Close() {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	b.subs--
}
