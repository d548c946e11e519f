// Package metrics exposes Prometheus collectors for the event distribution layer.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Broadcast outcomes recorded by ObserveBroadcast.
const (
	BroadcastPublished = "published"
	BroadcastFailed    = "failed"
	BroadcastDropped   = "dropped"
	BroadcastRejected  = "rejected"
)

// Relay outcomes recorded by ObserveRelay.
const (
	RelayRelayed     = "relayed"
	RelayEchoSkipped = "echo_skipped"
	RelayMalformed   = "malformed"
)

// Collectors owns every collector the service exports. A nil *Collectors is
// valid and records nothing, which keeps tests free of registry plumbing.
type Collectors struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	sessionsTotal     prometheus.Counter
	dispatchWrites    *prometheus.CounterVec
	noListener        prometheus.Counter
	broadcastTotal    *prometheus.CounterVec
	heartbeatsTotal   *prometheus.CounterVec
	relayTotal        *prometheus.CounterVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() (*Collectors, error) {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procevents_stream_connections_active",
			Help: "Streaming connections currently registered on this process.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procevents_stream_sessions_total",
			Help: "Streaming sessions accepted since start.",
		}),
		dispatchWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procevents_dispatch_writes_total",
			Help: "Direct dispatch writes partitioned by result.",
		}, []string{"result"}),
		noListener: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procevents_dispatch_no_listener_total",
			Help: "Events dispatched for users with no local connection.",
		}),
		broadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procevents_broadcast_total",
			Help: "Backend broadcasts partitioned by transport and result.",
		}, []string{"transport", "result"}),
		heartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procevents_heartbeats_total",
			Help: "Heartbeat frames partitioned by result.",
		}, []string{"result"}),
		relayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procevents_relay_total",
			Help: "Backend messages received by per-connection subscribers, by result.",
		}, []string{"result"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 300},
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		c.connectionsActive,
		c.sessionsTotal,
		c.dispatchWrites,
		c.noListener,
		c.broadcastTotal,
		c.heartbeatsTotal,
		c.relayTotal,
		c.httpRequestsTotal,
		c.httpRequestDurationSeconds,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return c, nil
}

// Handler returns an http.Handler exposing the registry.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ConnectionOpened records a handle added to the registry.
func (c *Collectors) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Inc()
}

// ConnectionClosed records a handle removed from the registry.
func (c *Collectors) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Dec()
}

// SessionStarted counts an accepted streaming request.
func (c *Collectors) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsTotal.Inc()
}

// DispatchWrites records one dispatch sweep.
func (c *Collectors) DispatchWrites(delivered, failed int) {
	if c == nil {
		return
	}
	if delivered > 0 {
		c.dispatchWrites.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		c.dispatchWrites.WithLabelValues("failed").Add(float64(failed))
	}
}

// NoListener records a dispatch for a user without local connections.
func (c *Collectors) NoListener() {
	if c == nil {
		return
	}
	c.noListener.Inc()
}

// ObserveBroadcast records the outcome of one backend broadcast.
func (c *Collectors) ObserveBroadcast(transport, result string) {
	if c == nil {
		return
	}
	c.broadcastTotal.WithLabelValues(transport, result).Inc()
}

// ObserveHeartbeat records one heartbeat attempt.
func (c *Collectors) ObserveHeartbeat(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.heartbeatsTotal.WithLabelValues(result).Inc()
}

// ObserveRelay records what a per-connection subscriber did with a message.
func (c *Collectors) ObserveRelay(result string) {
	if c == nil {
		return
	}
	c.relayTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
