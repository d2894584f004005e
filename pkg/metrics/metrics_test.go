package metrics

import (
	"context"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sirocco/pkg/event"
)

func TestCollectorFoldsEvents(t *testing.T) {
	b := event.NewBroadcaster(64)
	defer b.Close()
	sub := b.Subscribe()

	c := NewCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		c.Consume(ctx, sub)
	}()

	addr := netip.MustParseAddrPort("127.0.0.1:1")
	b.Send(event.NewClientConnectionAccepted{ID: 1, Addr: addr})
	b.Send(event.ClientBytesSent{ID: 1, Count: 100})
	b.Send(event.ClientBytesReceived{ID: 1, Count: 25})
	b.Send(event.ClientConnectionFinished{ID: 1})
	b.Send(event.ClientAuthenticatedWithUserpass{ID: 2, Username: "x", Success: false})
	b.Close()

	select {
	case <-consumed:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain")
	}

	assert.Equal(t, float64(0), testutil.ToFloat64(c.currentClients))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.historicClients))
	assert.Equal(t, float64(100), testutil.ToFloat64(c.clientBytesSent))
	assert.Equal(t, float64(25), testutil.ToFloat64(c.clientBytesRecv))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.authFailures))
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	c := NewCollector()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
