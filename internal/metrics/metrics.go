// Package metrics holds the Prometheus collectors for sync passes, the
// remote client, and the log service.
//
// Each Metrics value owns its registry so tests and multiple servers in
// one process do not collide. All methods are safe on a nil *Metrics.
package metrics

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Metrics is a registry plus the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	// SyncPasses counts sync passes by result (ok | error kind).
	SyncPasses *prometheus.CounterVec

	// SyncTransactions counts transactions by direction
	// (pulled | applied | skipped | pushed).
	SyncTransactions *prometheus.CounterVec

	// ChunksUploaded counts chunk writes issued by pushes.
	ChunksUploaded prometheus.Counter

	// SyncDuration observes whole-pass latency in seconds.
	SyncDuration prometheus.Histogram

	// RemoteRequests counts client requests by operation and status code.
	RemoteRequests *prometheus.CounterVec

	// RemoteDuration observes client request latency by operation.
	RemoteDuration *prometheus.HistogramVec

	// ServerRequests counts handled requests by route and status code.
	ServerRequests *prometheus.CounterVec

	// ServerDuration observes handler latency by route.
	ServerDuration *prometheus.HistogramVec

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SyncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factsync_sync_passes_total",
			Help: "Sync passes by result.",
		}, []string{"result"}),
		SyncTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factsync_sync_transactions_total",
			Help: "Transactions handled by sync passes, by direction.",
		}, []string{"direction"}),
		ChunksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "factsync_sync_chunks_uploaded_total",
			Help: "Chunk writes issued by pushes.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "factsync_sync_duration_seconds",
			Help:    "Sync pass latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		RemoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factsync_remote_requests_total",
			Help: "Remote log requests by operation and status code.",
		}, []string{"op", "code"}),
		RemoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "factsync_remote_request_duration_seconds",
			Help:    "Remote log request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		ServerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factsync_server_requests_total",
			Help: "Log service requests by route and status code.",
		}, []string{"route", "code"}),
		ServerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "factsync_server_request_duration_seconds",
			Help:    "Log service handler latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "factsync_server_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
	m.Registry.MustRegister(
		m.SyncPasses, m.SyncTransactions, m.ChunksUploaded, m.SyncDuration,
		m.RemoteRequests, m.RemoteDuration,
		m.ServerRequests, m.ServerDuration, m.RateLimited,
	)
	return m
}

// ObserveSync records one finished pass.
func (m *Metrics) ObserveSync(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncPasses.WithLabelValues(result).Inc()
	m.SyncDuration.Observe(d.Seconds())
}

// AddTransactions adds n to a direction counter.
func (m *Metrics) AddTransactions(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SyncTransactions.WithLabelValues(direction).Add(float64(n))
}

// AddChunksUploaded adds n chunk writes.
func (m *Metrics) AddChunksUploaded(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChunksUploaded.Add(float64(n))
}

// ObserveRemote records one client request. code is 0 when no response
// was received.
func (m *Metrics) ObserveRemote(op string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteRequests.WithLabelValues(op, strconv.Itoa(code)).Inc()
	m.RemoteDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveServer records one handled request.
func (m *Metrics) ObserveServer(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.ServerRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.ServerDuration.WithLabelValues(route).Observe(d.Seconds())
}

// IncRateLimited counts one rejected request.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// WritePrometheus writes the registry in text format to w.
func (m *Metrics) WritePrometheus(w io.Writer) error {
	families, err := m.Registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
