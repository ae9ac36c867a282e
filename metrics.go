package remotekit

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle,
// the stream client and the SSH pool. It is safe for concurrent use and
// every Record method tolerates a nil receiver.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal        *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	rateLimiterTokens   *prometheus.GaugeVec

	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	cacheSize         *prometheus.GaugeVec
	deduplicationHits *prometheus.CounterVec

	streamReconnects *prometheus.CounterVec
	streamEvents     *prometheus.CounterVec
	streamBuffered   *prometheus.GaugeVec

	sshConnectionsActive *prometheus.GaugeVec
	sshCommandsTotal     *prometheus.CounterVec
	transferBytesTotal   *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotekit_requests_total",
				Help: "Total number of API requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "remotekit_request_duration_seconds",
				Help:    "Duration of API requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remotekit_requests_in_flight",
				Help: "Number of API requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotekit_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remotekit_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"target"},
		),
		rateLimiterTokens: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remotekit_rate_limiter_tokens",
				Help: "Current number of available rate limiter tokens",
			},
			[]string{"name"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotekit_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotekit_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"method", "endpoint"},
		),
		cacheSize: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remotekit_cache_size",
				Help: "Current number of entries in the response cache",
			},
			[]string{"name"},
		),
		deduplicationHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotekit_deduplication_hits_total",
				Help: "Total number of requests coalesced onto an in-flight call",
			},
			[]string{"method", "endpoint"},
		),
		streamReconnects: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotekit_stream_reconnects_total",
				Help: "Total number of successful stream reconnections",
			},
			[]string{"url"},
		),
		streamEvents: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotekit_stream_events_total",
				Help: "Total number of stream events delivered",
			},
			[]string{"url"},
		),
		streamBuffered: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remotekit_stream_buffered_events",
				Help: "Events received but not yet delivered to the consumer",
			},
			[]string{"url"},
		),
		sshConnectionsActive: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remotekit_ssh_connections_active",
				Help: "Live SSH connections in the pool",
			},
			[]string{"host"},
		),
		sshCommandsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotekit_ssh_commands_total",
				Help: "Total number of remote commands executed",
			},
			[]string{"host", "outcome"},
		),
		transferBytesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotekit_transfer_bytes_total",
				Help: "Total bytes moved by file transfers",
			},
			[]string{"host", "direction"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotekit_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
		registry: registry,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	status := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, status, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, status, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets the breaker state gauge for a target.
func (mc *MetricsCollector) RecordCircuitBreakerState(target string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(target).Set(float64(state))
}

// RecordRateLimiterTokens sets the available token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(name string, tokens int) {
	if mc == nil {
		return
	}
	mc.rateLimiterTokens.WithLabelValues(name).Set(float64(tokens))
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheSize sets the cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(name string, size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.WithLabelValues(name).Set(float64(size))
}

// RecordDeduplicationHit increments the coalesced-caller counter.
func (mc *MetricsCollector) RecordDeduplicationHit(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(method, endpoint).Inc()
}

// RecordStreamReconnect increments the reconnect counter for a stream URL.
func (mc *MetricsCollector) RecordStreamReconnect(url string) {
	if mc == nil {
		return
	}
	mc.streamReconnects.WithLabelValues(url).Inc()
}

// RecordStreamEvent increments the delivered-event counter.
func (mc *MetricsCollector) RecordStreamEvent(url string) {
	if mc == nil {
		return
	}
	mc.streamEvents.WithLabelValues(url).Inc()
}

// RecordStreamBuffered sets the undelivered-event gauge.
func (mc *MetricsCollector) RecordStreamBuffered(url string, n int) {
	if mc == nil {
		return
	}
	mc.streamBuffered.WithLabelValues(url).Set(float64(n))
}

// RecordSSHConnections sets the live-connection gauge for a host.
func (mc *MetricsCollector) RecordSSHConnections(host string, n int) {
	if mc == nil {
		return
	}
	mc.sshConnectionsActive.WithLabelValues(host).Set(float64(n))
}

// RecordSSHCommand counts one executed command with its outcome.
func (mc *MetricsCollector) RecordSSHCommand(host, outcome string) {
	if mc == nil {
		return
	}
	mc.sshCommandsTotal.WithLabelValues(host, outcome).Inc()
}

// RecordTransferBytes counts bytes moved by an upload or download.
func (mc *MetricsCollector) RecordTransferBytes(host, direction string, n int64) {
	if mc == nil {
		return
	}
	mc.transferBytesTotal.WithLabelValues(host, direction).Add(float64(n))
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}
