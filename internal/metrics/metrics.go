package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPActiveConnections *prometheus.GaugeVec

	// Connection lifecycle
	OnlineUsers       prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	DisconnectsTotal  prometheus.Counter
	SupersededTotal   prometheus.Counter
	VerifyDuration    *prometheus.HistogramVec
	ConnectRateLimits prometheus.Counter

	// Event delivery
	EventsDeliveredTotal *prometheus.CounterVec
	EventsDroppedTotal   *prometheus.CounterVec
	FanoutDuration       *prometheus.HistogramVec
	FanoutRecipients     *prometheus.HistogramVec

	// Follower cache
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Redis relay
	RelayMessagesTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// New creates all metrics and registers them with reg. A nil reg gets a
// private registry, which keeps tests independent of each other.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path", "status"},
		),
		HTTPActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_active_connections",
				Help: "Number of currently active HTTP connections",
			},
			[]string{"method", "path"},
		),

		OnlineUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "realtime_online_users",
				Help: "Number of identities with a registered connection",
			},
		),
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_connections_total",
				Help: "Connection attempts by outcome",
			},
			[]string{"result", "reason"},
		),
		DisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "realtime_disconnects_total",
				Help: "Registered connections that went away",
			},
		),
		SupersededTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "realtime_superseded_total",
				Help: "Connections replaced by a newer connection for the same identity",
			},
		),
		VerifyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_verify_duration_seconds",
				Help:    "Credential verification latency in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"result"},
		),
		ConnectRateLimits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "realtime_connect_rate_limited_total",
				Help: "Upgrade attempts refused by the per-IP connect limit",
			},
		),

		EventsDeliveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_events_delivered_total",
				Help: "Frames queued to a connection, by kind",
			},
			[]string{"kind"},
		),
		EventsDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_events_dropped_total",
				Help: "Frames not delivered, by kind and reason",
			},
			[]string{"kind", "reason"},
		),
		FanoutDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_fanout_duration_seconds",
				Help:    "Time to enqueue one event to all its recipients",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"kind"},
		),
		FanoutRecipients: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_fanout_recipients",
				Help:    "Recipients reached per fanned-out event",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"kind"},
		),

		CacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_name"},
		),
		CacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_name"},
		),

		RelayMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_relay_messages_total",
				Help: "Redis relay messages by direction and status",
			},
			[]string{"direction", "status"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"error_type", "component"},
		),
	}
}

// Initialize creates the process-wide metrics on the default registerer
func Initialize() *Metrics {
	once.Do(func() {
		instance = New(prometheus.DefaultRegisterer)
	})
	return instance
}

// Get returns the global metrics instance
func Get() *Metrics {
	if instance == nil {
		return Initialize()
	}
	return instance
}

// RecordError counts an error against a component
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordCache counts a cache lookup outcome
func (m *Metrics) RecordCache(cacheName string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheName).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cacheName).Inc()
}
