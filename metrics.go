package abac

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for policy evaluation. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	evaluationTotal    *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	cacheLookups       *prometheus.CounterVec
	cacheRefreshes     *prometheus.CounterVec
	snapshotPolicies   *prometheus.GaugeVec
	configWarnings     prometheus.Counter
	statsDropped       prometheus.Counter
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "abac"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.evaluationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluation_total",
			Help:      "Total number of policy evaluations",
		},
		[]string{"decision", "dry_run"},
	)

	m.evaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluation_duration_seconds",
			Help:      "Policy evaluation duration in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"decision"},
	)

	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Policy snapshot lookups by result (hit, miss, stale)",
		},
		[]string{"scope", "result"},
	)

	m.cacheRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refresh_total",
			Help:      "Policy snapshot loads from the store by outcome",
		},
		[]string{"scope", "outcome"},
	)

	m.snapshotPolicies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "snapshot_policies",
			Help:      "Number of active policies in the last loaded snapshot",
		},
		[]string{"scope"},
	)

	m.configWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "configuration_warnings_total",
			Help:      "Distinct malformed policy conditions seen at evaluation time",
		},
	)

	m.statsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "dropped_events_total",
			Help:      "Statistics events dropped because the queue was full",
		},
	)

	m.registry.MustRegister(m.collectors()...)
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.evaluationTotal,
		m.evaluationDuration,
		m.cacheLookups,
		m.cacheRefreshes,
		m.snapshotPolicies,
		m.configWarnings,
		m.statsDropped,
	}
}

// RecordEvaluation records one decision.
func (m *Metrics) RecordEvaluation(decision Decision, dryRun bool, duration time.Duration) {
	if m == nil {
		return
	}
	dr := "false"
	if dryRun {
		dr = "true"
	}
	m.evaluationTotal.WithLabelValues(string(decision), dr).Inc()
	m.evaluationDuration.WithLabelValues(string(decision)).Observe(duration.Seconds())
}

func (m *Metrics) recordCacheLookup(scope Scope, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(string(scope), result).Inc()
}

func (m *Metrics) recordCacheRefresh(scope Scope, err error, policies int) {
	if m == nil {
		return
	}
	if err != nil {
		m.cacheRefreshes.WithLabelValues(string(scope), "error").Inc()
		return
	}
	m.cacheRefreshes.WithLabelValues(string(scope), "ok").Inc()
	m.snapshotPolicies.WithLabelValues(string(scope)).Set(float64(policies))
}

func (m *Metrics) recordConfigWarning() {
	if m == nil {
		return
	}
	m.configWarnings.Inc()
}

func (m *Metrics) recordStatsDropped() {
	if m == nil {
		return
	}
	m.statsDropped.Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry. Duplicate
// registration is ignored so an engine can be rebuilt on config reload.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
