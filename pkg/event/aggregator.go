package event

import (
	"context"
	"errors"
	"io"

	"github.com/marmos91/sirocco/internal/logger"
	"github.com/marmos91/sirocco/pkg/wire"
)

// Metrics is a snapshot of the aggregator's running counters. It is derived
// state: computed from the event stream, never stored.
type Metrics struct {
	CurrentClientConnections     uint32
	HistoricClientConnections    uint64
	ClientBytesSent              uint64
	ClientBytesReceived          uint64
	CurrentSandstormConnections  uint32
	HistoricSandstormConnections uint64
}

// Encode writes the six counters in order.
func (m Metrics) Encode(w io.Writer) error {
	if err := wire.WriteU32(w, m.CurrentClientConnections); err != nil {
		return err
	}
	if err := wire.WriteU64(w, m.HistoricClientConnections); err != nil {
		return err
	}
	if err := wire.WriteU64(w, m.ClientBytesSent); err != nil {
		return err
	}
	if err := wire.WriteU64(w, m.ClientBytesReceived); err != nil {
		return err
	}
	if err := wire.WriteU32(w, m.CurrentSandstormConnections); err != nil {
		return err
	}
	return wire.WriteU64(w, m.HistoricSandstormConnections)
}

// ReadMetrics decodes a Metrics snapshot.
func ReadMetrics(r io.Reader) (Metrics, error) {
	var m Metrics
	var err error
	if m.CurrentClientConnections, err = wire.ReadU32(r); err != nil {
		return m, err
	}
	if m.HistoricClientConnections, err = wire.ReadU64(r); err != nil {
		return m, err
	}
	if m.ClientBytesSent, err = wire.ReadU64(r); err != nil {
		return m, err
	}
	if m.ClientBytesReceived, err = wire.ReadU64(r); err != nil {
		return m, err
	}
	if m.CurrentSandstormConnections, err = wire.ReadU32(r); err != nil {
		return m, err
	}
	m.HistoricSandstormConnections, err = wire.ReadU64(r)
	return m, err
}

const requestChannelSize = 16

type metricsRequest struct {
	subscribe bool
	reply     chan<- metricsReply
}

type metricsReply struct {
	metrics Metrics
	sub     *Subscription
}

// Requester is the handle management sessions use to query the aggregator.
type Requester struct {
	requests chan<- metricsRequest
}

// Metrics returns a snapshot reflecting every event the aggregator has
// received so far.
func (r *Requester) Metrics(ctx context.Context) (Metrics, error) {
	return r.request(ctx, false)
}

// MetricsAndSubscribe returns a snapshot plus a fresh subscription starting
// at the current broadcast tail. An event landing between the snapshot and
// the subscribe may be both counted and replayed; consumers tolerate it.
func (r *Requester) MetricsAndSubscribe(ctx context.Context) (Metrics, *Subscription, error) {
	reply := make(chan metricsReply, 1)
	select {
	case r.requests <- metricsRequest{subscribe: true, reply: reply}:
	case <-ctx.Done():
		return Metrics{}, nil, ctx.Err()
	}
	select {
	case rep, ok := <-reply:
		if !ok {
			return Metrics{}, nil, wire.KindConnectionReset
		}
		return rep.metrics, rep.sub, nil
	case <-ctx.Done():
		return Metrics{}, nil, ctx.Err()
	}
}

func (r *Requester) request(ctx context.Context, subscribe bool) (Metrics, error) {
	reply := make(chan metricsReply, 1)
	select {
	case r.requests <- metricsRequest{subscribe: subscribe, reply: reply}:
	case <-ctx.Done():
		return Metrics{}, ctx.Err()
	}
	select {
	case rep, ok := <-reply:
		if !ok {
			return Metrics{}, wire.KindConnectionReset
		}
		return rep.metrics, nil
	case <-ctx.Done():
		return Metrics{}, ctx.Err()
	}
}

// Aggregator is the dedicated consumer that folds the event stream into the
// six Metrics counters and answers snapshot requests.
type Aggregator struct {
	b        *Broadcaster
	sub      *Subscription
	requests chan metricsRequest
	metrics  Metrics
}

// NewAggregator subscribes to b. Call Run to start processing.
func NewAggregator(b *Broadcaster) *Aggregator {
	return &Aggregator{
		b:        b,
		sub:      b.Subscribe(),
		requests: make(chan metricsRequest, requestChannelSize),
	}
}

// Requester returns a handle for snapshot queries.
func (a *Aggregator) Requester() *Requester {
	return &Requester{requests: a.requests}
}

// Run processes events and requests until the broadcaster closes or the
// context is cancelled. Events take strict priority over requests: pending
// events are always drained before a snapshot is taken, so any snapshot
// reflects every event received before it.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		// Sample the wake channel before draining: an event published
		// after the drain closes this channel, so the select below cannot
		// miss it.
		wake := a.sub.wait()

		if done := a.drainEvents(); done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case req := <-a.requests:
			if done := a.drainEvents(); done {
				close(req.reply)
				return
			}
			rep := metricsReply{metrics: a.metrics}
			if req.subscribe {
				rep.sub = a.b.Subscribe()
			}
			req.reply <- rep
		}
	}
}

// drainEvents applies every immediately available event. Reports true when
// the broadcaster is closed and drained.
func (a *Aggregator) drainEvents() bool {
	for {
		ev, err, ok := a.sub.TryRecv()
		if !ok {
			return false
		}
		if err != nil {
			var lag *LaggedError
			if errors.As(err, &lag) {
				logger.Warn("Metrics tracker lagged behind events", "lost", lag.Count)
				continue
			}
			return true // ErrClosed
		}
		a.apply(ev.Kind)
	}
}

func (a *Aggregator) apply(kind Kind) {
	switch k := kind.(type) {
	case NewClientConnectionAccepted:
		a.metrics.CurrentClientConnections++
		a.metrics.HistoricClientConnections++
	case ClientConnectionFinished:
		if a.metrics.CurrentClientConnections > 0 {
			a.metrics.CurrentClientConnections--
		}
	case ClientBytesSent:
		a.metrics.ClientBytesSent += k.Count
	case ClientBytesReceived:
		a.metrics.ClientBytesReceived += k.Count
	case NewSandstormConnectionAccepted:
		a.metrics.CurrentSandstormConnections++
		a.metrics.HistoricSandstormConnections++
	case SandstormConnectionFinished:
		if a.metrics.CurrentSandstormConnections > 0 {
			a.metrics.CurrentSandstormConnections--
		}
	}
}
