// Package metrics holds the prometheus instrumentation shared by every
// cache's connection engine and backend. Shape is grounded on dcache's
// MetricSet (Hit/Latency/Error counter+histogram vecs); labels and buckets
// are adapted from dcache's {mem,redis,db} hit source to this proxy's
// {local,remote,miss} outcome taxonomy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// latencyBucketsMs mirrors dcache's millisecond buckets; this proxy targets
// sub-millisecond local-cache hits up through the 200ms backend deadline.
var latencyBucketsMs = []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64, 128, 200, 400}

// Outcome labels a completed operation for the Ops/Latency vecs.
type Outcome string

const (
	OutcomeHitLocal  Outcome = "hit_local"
	OutcomeHitRemote Outcome = "hit_remote"
	OutcomeMiss      Outcome = "miss"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
)

// Set is the full collection of metrics for one running proxy instance. One
// Set is shared across every configured cache; cache name is itself a label
// so per-cache dashboards stay possible without per-cache registries.
type Set struct {
	Ops         *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	DiskErrors  *prometheus.CounterVec
	Connections *prometheus.GaugeVec
	registry    *prometheus.Registry
}

// NewSet builds and registers a fresh metric Set against its own registry
// (rather than the global default registry dcache uses) so tests can spin up
// many Sets without cross-test collector collisions.
func NewSet(namespace string) *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_ops_total",
			Help:      "Completed cache operations by cache, command and outcome.",
		}, []string{"cache", "command", "outcome"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_op_latency_ms",
			Help:      "Operation latency in milliseconds by cache and outcome.",
			Buckets:   latencyBucketsMs,
		}, []string{"cache", "outcome"}),
		DiskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disk_tier_errors_total",
			Help:      "Swallowed disk-spill-tier I/O errors by cache and operation.",
		}, []string{"cache", "op"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Currently open client connections by cache.",
		}, []string{"cache"}),
		registry: reg,
	}
	reg.MustRegister(s.Ops, s.Latency, s.DiskErrors, s.Connections)
	return s
}

// Registry exposes the underlying prometheus.Registry so cmd/cacheproxy can
// serve it over the admin HTTP listener.
func (s *Set) Registry() *prometheus.Registry { return s.registry }

// RecordOp increments the op counter and observes latencyMs under outcome.
func (s *Set) RecordOp(cache, command string, outcome Outcome, latencyMs float64) {
	s.Ops.WithLabelValues(cache, command, string(outcome)).Inc()
	s.Latency.WithLabelValues(cache, string(outcome)).Observe(latencyMs)
}

// RecordDiskError is wired as a cachecore.ErrorRecorder for one cache's disk
// tier, so best-effort disk failures surface as a counter instead of a log
// line nobody reads.
func (s *Set) RecordDiskError(cache string) func(op string, err error) {
	return func(op string, err error) {
		s.DiskErrors.WithLabelValues(cache, op).Inc()
	}
}

// SetConnections reports the current connection count for cache.
func (s *Set) SetConnections(cache string, n int) {
	s.Connections.WithLabelValues(cache).Set(float64(n))
}

// Close unregisters every collector, mirroring dcache's Close() so repeated
// test construction doesn't leak collectors across a shared registry. Since
// each Set owns a private registry this is mostly useful in tests that want
// a clean slate without re-allocating a Set.
func (s *Set) Close() {
	s.registry.Unregister(s.Ops)
	s.registry.Unregister(s.Latency)
	s.registry.Unregister(s.DiskErrors)
	s.registry.Unregister(s.Connections)
}

// NamespaceOrDefault mirrors dcache's per-appName metric naming, falling
// back to a fixed namespace instead of producing a leading underscore in the
// metric name when the caller has no app name configured.
func NamespaceOrDefault(appName string) string {
	if appName == "" {
		return "cacheproxy"
	}
	return appName
}
