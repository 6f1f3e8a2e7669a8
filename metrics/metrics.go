// Package metrics exposes the relay's Prometheus collectors and the server
// that serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

var (
	ConnectionsLive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_live",
		Help: "Authenticated connections currently registered.",
	})
	Evictions = factory.NewCounter(prometheus.CounterOpts{
		Name: "relay_evictions_total",
		Help: "Connections evicted by a newer connection of the same identity.",
	})
	Resumptions = factory.NewCounter(prometheus.CounterOpts{
		Name: "relay_resumptions_total",
		Help: "Departed memberships reattached through a resumption token.",
	})
	Sessions = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_sessions",
		Help: "Sessions held by the registry, by state.",
	}, []string{"state"})
	SessionsEnded = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_ended_total",
		Help: "Sessions that reached a terminal state.",
	}, []string{"state"})
	EnvelopesRouted = factory.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_routed_total",
		Help: "Envelopes forwarded to at least the routing stage.",
	})
	EnvelopesBuffered = factory.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_buffered_total",
		Help: "Envelopes held in a reorder buffer.",
	})
	DeliveryFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_failures_total",
		Help: "Per-recipient enqueue failures.",
	})
	RequestErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_request_errors_total",
		Help: "Requests answered with an error, by wire code.",
	}, []string{"code"})
	SessionsArchived = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_archived_total",
		Help: "Ended session records handed to the archive, by result (stored, failed, dropped).",
	}, []string{"result"})
	ArchiveQueue = factory.NewGauge(prometheus.GaugeOpts{
		Name: "relay_archive_queue",
		Help: "Session records waiting to be archived.",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry all relay collectors are registered with.
func Registry() *prometheus.Registry {
	return registry
}

// MetricsServer serves /metrics on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(addr string) (*MetricsServer, error) {
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving metrics until Shutdown.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}
