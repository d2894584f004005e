package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultBacklog is the broadcast ring capacity: how many events a slow
// consumer may fall behind before it starts losing them.
const DefaultBacklog = 4096

// ErrClosed is returned by Recv once the broadcaster is closed and the
// subscriber has drained every remaining event.
var ErrClosed = errors.New("event: broadcaster closed")

// LaggedError reports that a subscriber fell behind and Count events were
// dropped for it. The subscription stays usable; the next Recv resumes at
// the oldest retained event.
type LaggedError struct {
	Count uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("event: lagged behind %d events", e.Count)
}

// Broadcaster is a multi-consumer event channel with a bounded backlog.
// Sending never blocks: when the ring is full the oldest entry is dropped
// and lagging subscribers observe a LaggedError on their next receive.
type Broadcaster struct {
	mu     sync.Mutex
	ring   []Event
	head   uint64 // sequence number of the oldest retained event
	tail   uint64 // sequence number of the next event to be written
	wake   chan struct{}
	closed bool

	// now is swapped out by tests to control timestamps.
	now func() int64
}

// NewBroadcaster creates a broadcaster retaining up to backlog events.
// A backlog of zero or less uses DefaultBacklog.
func NewBroadcaster(backlog int) *Broadcaster {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Broadcaster{
		ring: make([]Event, backlog),
		wake: make(chan struct{}),
		now:  func() int64 { return time.Now().Unix() },
	}
}

// Send stamps the kind with the current time and publishes it. Safe for
// concurrent use; never blocks. Events sent after Close are discarded.
func (b *Broadcaster) Send(kind Kind) {
	ev := Event{Timestamp: b.now(), Kind: kind}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.tail-b.head == uint64(len(b.ring)) {
		b.head++ // drop oldest
	}
	b.ring[b.tail%uint64(len(b.ring))] = ev
	b.tail++
	wake := b.wake
	b.wake = make(chan struct{})
	b.mu.Unlock()

	close(wake)
}

// Close marks the broadcaster closed. Subscribers drain what remains and
// then receive ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	wake := b.wake
	b.wake = make(chan struct{})
	b.mu.Unlock()

	close(wake)
}

// Subscribe returns a subscription positioned at the current tail: it sees
// only events sent after this call.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription{b: b, cursor: b.tail}
}

// Subscription is a single consumer's cursor into the broadcast backlog.
// Not safe for concurrent use by multiple goroutines.
type Subscription struct {
	b      *Broadcaster
	cursor uint64
}

// Recv returns the next event, blocking until one is available. It returns
// a *LaggedError when the subscriber fell behind the backlog, and ErrClosed
// once the broadcaster is closed and drained.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	for {
		ev, err, ok := s.TryRecv()
		if ok {
			return ev, err
		}

		s.b.mu.Lock()
		if s.cursor < s.b.tail || s.b.closed {
			s.b.mu.Unlock()
			continue
		}
		wake := s.b.wake
		s.b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// TryRecv returns the next event without blocking. The third return value
// reports whether anything (an event, a lag notice, or ErrClosed) was
// delivered.
func (s *Subscription) TryRecv() (Event, error, bool) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if s.cursor < s.b.head {
		lost := s.b.head - s.cursor
		s.cursor = s.b.head
		return Event{}, &LaggedError{Count: lost}, true
	}
	if s.cursor < s.b.tail {
		ev := s.b.ring[s.cursor%uint64(len(s.b.ring))]
		s.cursor++
		return ev, nil, true
	}
	if s.b.closed {
		return Event{}, ErrClosed, true
	}
	return Event{}, nil, false
}

// Pending reports how many events are immediately available. Sinks use it
// to decide when to flush their writers.
func (s *Subscription) Pending() int {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.cursor >= s.b.tail {
		return 0
	}
	return int(s.b.tail - s.cursor)
}

// wait returns a channel that is closed on the next publish or close.
func (s *Subscription) wait() <-chan struct{} {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.b.wake
}
