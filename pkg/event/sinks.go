package event

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/marmos91/sirocco/internal/logger"
)

// RunLogSink renders every broadcast event through the process logger until
// the broadcaster closes or the context is cancelled. Lag is reported and
// the sink keeps going.
func RunLogSink(ctx context.Context, sub *Subscription) {
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lag *LaggedError
			if errors.As(err, &lag) {
				logger.Error("Event log sink lagged behind", "lost", lag.Count)
				continue
			}
			return
		}
		logger.Info(ev.Kind.String())
	}
}

// RunBinarySink writes every broadcast event to w in the wire format,
// flushing whenever no more events are immediately pending. Write errors
// terminate the sink.
func RunBinarySink(ctx context.Context, sub *Subscription, w io.Writer) error {
	bw := bufio.NewWriterSize(w, 1<<13)
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lag *LaggedError
			if errors.As(err, &lag) {
				logger.Error("Binary event sink lagged behind", "lost", lag.Count)
				continue
			}
			if errors.Is(err, ErrClosed) {
				return bw.Flush()
			}
			return err
		}
		if err := Write(bw, ev); err != nil {
			return err
		}
		if sub.Pending() == 0 {
			if err := bw.Flush(); err != nil {
				return err
			}
		}
	}
}
