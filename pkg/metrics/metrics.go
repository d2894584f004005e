// Package metrics exposes the server's connection and traffic counters to
// Prometheus. A dedicated broadcast consumer folds the event stream into
// registered collectors, and a small chi router serves /metrics and
// /healthz.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/sirocco/internal/logger"
	"github.com/marmos91/sirocco/pkg/event"
)

// Collector holds the prometheus series fed from the event stream.
type Collector struct {
	registry *prometheus.Registry

	currentClients   prometheus.Gauge
	historicClients  prometheus.Counter
	clientBytesSent  prometheus.Counter
	clientBytesRecv  prometheus.Counter
	currentManagers  prometheus.Gauge
	historicManagers prometheus.Counter
	eventsDropped    prometheus.Counter
	connectFailures  prometheus.Counter
	authFailures     prometheus.Counter
}

// NewCollector creates and registers the series on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		currentClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sirocco_client_connections",
			Help: "Currently open SOCKS5 client connections.",
		}),
		historicClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sirocco_client_connections_total",
			Help: "SOCKS5 client connections accepted since startup.",
		}),
		clientBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sirocco_client_bytes_sent_total",
			Help: "Bytes forwarded from clients to destinations.",
		}),
		clientBytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sirocco_client_bytes_received_total",
			Help: "Bytes forwarded from destinations to clients.",
		}),
		currentManagers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sirocco_sandstorm_connections",
			Help: "Currently open management connections.",
		}),
		historicManagers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sirocco_sandstorm_connections_total",
			Help: "Management connections accepted since startup.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sirocco_metrics_events_dropped_total",
			Help: "Events the metrics consumer lost to broadcast lag.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sirocco_destination_connect_failures_total",
			Help: "CONNECT requests for which no destination address succeeded.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sirocco_auth_failures_total",
			Help: "Failed SOCKS5 username/password authentications.",
		}),
	}

	c.registry.MustRegister(
		c.currentClients, c.historicClients,
		c.clientBytesSent, c.clientBytesRecv,
		c.currentManagers, c.historicManagers,
		c.eventsDropped, c.connectFailures, c.authFailures,
	)
	return c
}

// Consume folds broadcast events into the collectors until the broadcaster
// closes or ctx is cancelled.
func (c *Collector) Consume(ctx context.Context, sub *event.Subscription) {
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lag *event.LaggedError
			if errors.As(err, &lag) {
				c.eventsDropped.Add(float64(lag.Count))
				continue
			}
			return
		}

		switch k := ev.Kind.(type) {
		case event.NewClientConnectionAccepted:
			c.currentClients.Inc()
			c.historicClients.Inc()
		case event.ClientConnectionFinished:
			c.currentClients.Dec()
		case event.ClientBytesSent:
			c.clientBytesSent.Add(float64(k.Count))
		case event.ClientBytesReceived:
			c.clientBytesRecv.Add(float64(k.Count))
		case event.NewSandstormConnectionAccepted:
			c.currentManagers.Inc()
			c.historicManagers.Inc()
		case event.SandstormConnectionFinished:
			c.currentManagers.Dec()
		case event.ClientFailedToConnectToDestination:
			c.connectFailures.Inc()
		case event.ClientAuthenticatedWithUserpass:
			if !k.Success {
				c.authFailures.Inc()
			}
		}
	}
}

// Handler returns the router serving /metrics and /healthz.
func (c *Collector) Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, sub *event.Subscription) error {
	collector := NewCollector()
	go collector.Consume(ctx, sub)

	srv := &http.Server{
		Addr:              addr,
		Handler:           collector.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics endpoint listening", logger.Address(addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
