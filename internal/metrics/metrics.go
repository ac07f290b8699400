package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationFetch records keyed cache reads.
	CacheOperationFetch CacheOperation = "fetch"
	// CacheOperationStore records insert-if-absent attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheOutcome captures the result of a cache operation.
type CacheOutcome string

const (
	CacheHit       CacheOutcome = "hit"
	CacheMiss      CacheOutcome = "miss"
	CacheStored    CacheOutcome = "stored"
	CacheDuplicate CacheOutcome = "duplicate"
)

// FlushOutcome captures the result of a snapshot flush.
type FlushOutcome string

const (
	FlushWritten FlushOutcome = "written"
	FlushSkipped FlushOutcome = "skipped"
	FlushFailed  FlushOutcome = "error"
)

// ItemOutcome captures how a single batch item resolved.
type ItemOutcome string

const (
	ItemResolved ItemOutcome = "resolved"
	ItemFailed   ItemOutcome = "failed"
)

// Recorder publishes Prometheus metrics for cache, batch and upstream activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	cacheEntries    *prometheus.GaugeVec

	flushes       *prometheus.CounterVec
	flushLatency  prometheus.Histogram
	batchRequests *prometheus.CounterVec
	batchLatency  *prometheus.HistogramVec
	batchItems    *prometheus.CounterVec

	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transitd",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Keyed cache operations by namespace and result.",
	}, []string{"namespace", "operation", "result"})

	cacheEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transitd",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries held per cache namespace.",
	}, []string{"namespace"})

	flushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transitd",
		Subsystem: "cache",
		Name:      "flushes_total",
		Help:      "Snapshot flush attempts by outcome.",
	}, []string{"result"})

	flushLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "transitd",
		Subsystem: "cache",
		Name:      "flush_duration_seconds",
		Help:      "Latency distribution for snapshot flushes that performed I/O.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	batchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transitd",
		Subsystem: "batch",
		Name:      "requests_total",
		Help:      "Batch lookup requests processed.",
	}, []string{"endpoint"})

	batchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transitd",
		Subsystem: "batch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed batch requests.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	batchItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transitd",
		Subsystem: "batch",
		Name:      "items_total",
		Help:      "Batch items by resolution outcome.",
	}, []string{"endpoint", "result"})

	upstreamCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transitd",
		Subsystem: "upstream",
		Name:      "calls_total",
		Help:      "Calls issued to the mapping service.",
	}, []string{"operation", "result"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transitd",
		Subsystem: "upstream",
		Name:      "call_duration_seconds",
		Help:      "Latency distribution for mapping service calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation", "result"})

	reg.MustRegister(cacheOperations, cacheEntries, flushes, flushLatency,
		batchRequests, batchLatency, batchItems, upstreamCalls, upstreamLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		cacheOperations: cacheOperations,
		cacheEntries:    cacheEntries,
		flushes:         flushes,
		flushLatency:    flushLatency,
		batchRequests:   batchRequests,
		batchLatency:    batchLatency,
		batchItems:      batchItems,
		upstreamCalls:   upstreamCalls,
		upstreamLatency: upstreamLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCache counts a fetch or store against a namespace.
func (r *Recorder) ObserveCache(namespace string, operation CacheOperation, result CacheOutcome) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(namespace), string(operation), string(result)).Inc()
}

// SetCacheEntries publishes the current size of a namespace.
func (r *Recorder) SetCacheEntries(namespace string, entries int) {
	if r == nil {
		return
	}
	r.cacheEntries.WithLabelValues(normalizeLabel(namespace)).Set(float64(entries))
}

// ObserveFlush records a flush attempt. Skipped flushes carry no latency sample.
func (r *Recorder) ObserveFlush(result FlushOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	r.flushes.WithLabelValues(string(result)).Inc()
	if result != FlushSkipped {
		r.flushLatency.Observe(duration.Seconds())
	}
}

// ObserveBatch records a completed batch request with its per-item outcomes.
func (r *Recorder) ObserveBatch(endpoint string, resolved, failed int, duration time.Duration) {
	if r == nil {
		return
	}
	endpointLabel := normalizeLabel(endpoint)
	r.batchRequests.WithLabelValues(endpointLabel).Inc()
	r.batchLatency.WithLabelValues(endpointLabel).Observe(duration.Seconds())
	if resolved > 0 {
		r.batchItems.WithLabelValues(endpointLabel, string(ItemResolved)).Add(float64(resolved))
	}
	if failed > 0 {
		r.batchItems.WithLabelValues(endpointLabel, string(ItemFailed)).Add(float64(failed))
	}
}

// ObserveUpstream records a mapping service call.
func (r *Recorder) ObserveUpstream(operation string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	opLabel := normalizeLabel(operation)
	r.upstreamCalls.WithLabelValues(opLabel, result).Inc()
	r.upstreamLatency.WithLabelValues(opLabel, result).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
