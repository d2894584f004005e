package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster(backlog int) *Broadcaster {
	b := NewBroadcaster(backlog)
	b.now = func() int64 { return 1700000000 }
	return b
}

func recvOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	return ev
}

func TestBroadcastDelivery(t *testing.T) {
	b := newTestBroadcaster(16)
	sub := b.Subscribe()

	b.Send(ClientBytesSent{ID: 1, Count: 10})
	b.Send(ClientBytesReceived{ID: 1, Count: 20})

	ev := recvOne(t, sub)
	assert.Equal(t, ClientBytesSent{ID: 1, Count: 10}, ev.Kind)
	assert.Equal(t, int64(1700000000), ev.Timestamp)

	ev = recvOne(t, sub)
	assert.Equal(t, ClientBytesReceived{ID: 1, Count: 20}, ev.Kind)
}

func TestBroadcastMultipleConsumers(t *testing.T) {
	b := newTestBroadcaster(16)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Send(ClientSourceShutdown{ID: 7})

	assert.Equal(t, ClientSourceShutdown{ID: 7}, recvOne(t, sub1).Kind)
	assert.Equal(t, ClientSourceShutdown{ID: 7}, recvOne(t, sub2).Kind)
}

func TestBroadcastSubscribeStartsAtTail(t *testing.T) {
	b := newTestBroadcaster(16)
	b.Send(ClientSourceShutdown{ID: 1})

	sub := b.Subscribe()
	_, _, got := sub.TryRecv()
	assert.False(t, got, "a new subscriber must not replay old events")

	b.Send(ClientSourceShutdown{ID: 2})
	assert.Equal(t, ClientSourceShutdown{ID: 2}, recvOne(t, sub).Kind)
}

func TestBroadcastDropsOldestAndSignalsLag(t *testing.T) {
	b := newTestBroadcaster(4)
	sub := b.Subscribe()

	for i := uint64(1); i <= 7; i++ {
		b.Send(ClientBytesSent{ID: i, Count: i})
	}

	// The three oldest were dropped for this subscriber.
	_, err, got := sub.TryRecv()
	require.True(t, got)
	var lag *LaggedError
	require.ErrorAs(t, err, &lag)
	assert.Equal(t, uint64(3), lag.Count)

	// Reception resumes at the oldest retained event.
	ev := recvOne(t, sub)
	assert.Equal(t, ClientBytesSent{ID: 4, Count: 4}, ev.Kind)
}

func TestBroadcastRecvBlocksUntilSend(t *testing.T) {
	b := newTestBroadcaster(4)
	sub := b.Subscribe()

	done := make(chan Event, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ev, err := sub.Recv(ctx)
		if err == nil {
			done <- ev
		}
	}()

	time.Sleep(10 * time.Millisecond)
	b.Send(ClientDestinationShutdown{ID: 3})

	select {
	case ev := <-done:
		assert.Equal(t, ClientDestinationShutdown{ID: 3}, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("Recv did not wake up on Send")
	}
}

func TestBroadcastClose(t *testing.T) {
	b := newTestBroadcaster(4)
	sub := b.Subscribe()

	b.Send(ClientSourceShutdown{ID: 1})
	b.Close()

	// Remaining events drain before ErrClosed.
	ev := recvOne(t, sub)
	assert.Equal(t, ClientSourceShutdown{ID: 1}, ev.Kind)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBroadcastRecvContextCancelled(t *testing.T) {
	b := newTestBroadcaster(4)
	sub := b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcastPending(t *testing.T) {
	b := newTestBroadcaster(8)
	sub := b.Subscribe()

	assert.Zero(t, sub.Pending())
	b.Send(ClientSourceShutdown{ID: 1})
	b.Send(ClientSourceShutdown{ID: 2})
	assert.Equal(t, 2, sub.Pending())

	recvOne(t, sub)
	assert.Equal(t, 1, sub.Pending())
}
