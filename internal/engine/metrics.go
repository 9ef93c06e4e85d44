package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/credence/internal/degraded"
	"github.com/roach88/credence/internal/ir"
)

const metricsNamespace = "credence"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// RunsTotal counts finished runs by convergence status.
	RunsTotal *prometheus.CounterVec

	// SolverIterations observes the sweeps each run took.
	SolverIterations prometheus.Histogram

	// StageDegradedTotal counts failed stage recomputations by kind.
	StageDegradedTotal *prometheus.CounterVec

	// CorrelationEvictionsTotal counts correlation entries evicted from
	// the tracker.
	CorrelationEvictionsTotal prometheus.Counter
}

// NewMetrics creates and registers the engine collectors on reg.
// Panics if a collector with the same name is already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by convergence status",
		}, []string{"status"}),

		SolverIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "solver_iterations",
			Help:      "Solver sweeps per pipeline run",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20, 50, 100},
		}),

		StageDegradedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stage_degraded_total",
			Help:      "Failed stage recomputations by failure kind",
		}, []string{"reason"}),

		CorrelationEvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "correlation_evictions_total",
			Help:      "Correlation entries evicted to stay within the memory budget",
		}),
	}
}

func (m *Metrics) observeRun(run *ir.PipelineRun) {
	m.RunsTotal.WithLabelValues(string(run.ConvergenceStatus)).Inc()
	m.SolverIterations.Observe(float64(run.IterationCount))
}

func (m *Metrics) stageDegraded(_ string, kind degraded.Kind) {
	m.StageDegradedTotal.WithLabelValues(string(kind)).Inc()
}

// CorrelationEvicted is an eviction hook for correlation.OnEvict.
func (m *Metrics) CorrelationEvicted(ir.CorrelationEntry) {
	m.CorrelationEvictionsTotal.Inc()
}
