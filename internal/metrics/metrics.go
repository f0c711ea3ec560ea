// Package metrics provides Prometheus metrics for featherbase.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the request-level Prometheus metrics. Component
// counters (engine, buffer, cache, realtime, auth, rate limiting) are
// not duplicated here; WireStats renders them straight off the
// components' own counters at scrape time.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featherbase_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "featherbase_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "featherbase_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// StatsSnapshot carries component counters sampled at scrape time.
type StatsSnapshot struct {
	Creates uint64
	Updates uint64
	Deletes uint64
	Reads   uint64
	Lists   uint64

	VersionConflicts  uint64
	UniquenessRejects uint64

	BufferFlushes   uint64
	FlushedIntents  uint64
	FlushQueueDepth int
	BufferOverloads uint64

	CacheHits   uint64
	CacheMisses uint64
	CacheSize   int

	Subscribers  int
	EventsSent   uint64
	SinksEvicted uint64

	AuthSuccesses uint64
	AuthFailures  uint64
	RateLimitHits uint64
}

// WireStats registers a collector that renders the snapshot returned
// by source on every scrape.
func (m *Metrics) WireStats(source func() StatsSnapshot) {
	m.registry.MustRegister(&statsCollector{source: source})
}

var (
	descRecordOps = prometheus.NewDesc(
		"featherbase_record_operations_total",
		"Total number of record operations", []string{"operation"}, nil)
	descVersionConflicts = prometheus.NewDesc(
		"featherbase_version_conflicts_total",
		"Total number of optimistic concurrency conflicts", nil, nil)
	descUniqueRejects = prometheus.NewDesc(
		"featherbase_uniqueness_rejections_total",
		"Total number of writes rejected by unique constraints", nil, nil)
	descBufferFlushes = prometheus.NewDesc(
		"featherbase_buffer_flushes_total",
		"Total number of write buffer flushes", nil, nil)
	descFlushedIntents = prometheus.NewDesc(
		"featherbase_buffer_flushed_intents_total",
		"Total number of write intents flushed", nil, nil)
	descFlushQueueDepth = prometheus.NewDesc(
		"featherbase_flush_queue_depth",
		"Current depth of the pending flush queue", nil, nil)
	descBufferOverloads = prometheus.NewDesc(
		"featherbase_buffer_overloads_total",
		"Total number of writes rejected for overload", nil, nil)
	descCacheHits = prometheus.NewDesc(
		"featherbase_cache_hits_total",
		"Total number of record cache hits", nil, nil)
	descCacheMisses = prometheus.NewDesc(
		"featherbase_cache_misses_total",
		"Total number of record cache misses", nil, nil)
	descCacheSize = prometheus.NewDesc(
		"featherbase_cache_size",
		"Current record cache size", nil, nil)
	descSubscribers = prometheus.NewDesc(
		"featherbase_realtime_subscribers",
		"Number of connected realtime subscribers", nil, nil)
	descEventsSent = prometheus.NewDesc(
		"featherbase_realtime_events_sent_total",
		"Total number of realtime events delivered", nil, nil)
	descSinksEvicted = prometheus.NewDesc(
		"featherbase_realtime_sinks_evicted_total",
		"Total number of realtime sinks evicted", nil, nil)
	descAuthAttempts = prometheus.NewDesc(
		"featherbase_auth_attempts_total",
		"Total number of authentication attempts", []string{"result"}, nil)
	descRateLimitHits = prometheus.NewDesc(
		"featherbase_rate_limit_hits_total",
		"Total number of rate limited requests", nil, nil)
)

type statsCollector struct {
	source func() StatsSnapshot
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descRecordOps, descVersionConflicts, descUniqueRejects,
		descBufferFlushes, descFlushedIntents, descFlushQueueDepth,
		descBufferOverloads, descCacheHits, descCacheMisses,
		descCacheSize, descSubscribers, descEventsSent,
		descSinksEvicted, descAuthAttempts, descRateLimitHits,
	} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(descRecordOps, s.Creates, "create")
	counter(descRecordOps, s.Updates, "update")
	counter(descRecordOps, s.Deletes, "delete")
	counter(descRecordOps, s.Reads, "read")
	counter(descRecordOps, s.Lists, "list")
	counter(descVersionConflicts, s.VersionConflicts)
	counter(descUniqueRejects, s.UniquenessRejects)
	counter(descBufferFlushes, s.BufferFlushes)
	counter(descFlushedIntents, s.FlushedIntents)
	gauge(descFlushQueueDepth, float64(s.FlushQueueDepth))
	counter(descBufferOverloads, s.BufferOverloads)
	counter(descCacheHits, s.CacheHits)
	counter(descCacheMisses, s.CacheMisses)
	gauge(descCacheSize, float64(s.CacheSize))
	gauge(descSubscribers, float64(s.Subscribers))
	counter(descEventsSent, s.EventsSent)
	counter(descSinksEvicted, s.SinksEvicted)
	counter(descAuthAttempts, s.AuthSuccesses, "success")
	counter(descAuthAttempts, s.AuthFailures, "failure")
	counter(descRateLimitHits, s.RateLimitHits)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Middleware returns HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.RequestsInFlight.Inc()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RequestsInFlight.Dec()
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)

		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards flushing for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// normalizePath collapses record ids out of paths to keep label
// cardinality bounded.
func normalizePath(path string) string {
	const prefix = "/api/collections/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return path
	}

	rest := path[len(prefix):]
	slash := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			slash = i
			break
		}
	}
	if slash < 0 {
		return prefix + "{collection}"
	}

	tail := rest[slash:]
	switch tail {
	case "/records", "/records/":
		return prefix + "{collection}/records"
	case "/auth", "/schema":
		return prefix + "{collection}" + tail
	}
	if len(tail) > len("/records/") && tail[:len("/records/")] == "/records/" {
		return prefix + "{collection}/records/{id}"
	}
	return prefix + "{collection}" + tail
}
