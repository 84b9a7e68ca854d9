package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "webpilot"

// Metrics bundles the Prometheus instruments used across the engine. A nil
// *Metrics is valid and records nothing, so components can take one optionally.
type Metrics struct {
	PerceptionDuration *prometheus.HistogramVec
	BudgetOverruns     *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	StepRuns           *prometheus.CounterVec
	WorkflowRuns       *prometheus.CounterVec
	RecoveryAttempts   *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	ProviderCalls      *prometheus.CounterVec
	PoolWaits          prometheus.Counter
	PoolExhausted      prometheus.Counter
	PatternsLearned    prometheus.Gauge
}

// New registers every instrument on reg. Passing prometheus.NewRegistry() keeps
// tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PerceptionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "perception_duration_seconds",
			Help:      "Wall time of a perception pass by actual tier.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .2, .5, 1, 2},
		}, []string{"tier"}),
		BudgetOverruns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "perception_budget_overruns_total",
			Help:      "Perception passes that exceeded their tier budget.",
		}, []string{"tier"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "perception_cache_lookups_total",
			Help:      "Perception cache lookups by result (hit, miss, remote_hit).",
		}, []string{"result"}),
		StepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_runs_total",
			Help:      "Workflow step runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		WorkflowRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Workflow executions by final status.",
		}, []string{"status"}),
		RecoveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Recovery attempts by error category and result.",
		}, []string{"category", "result"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
		}, []string{"service"}),
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "LLM provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		PoolWaits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_pool_waits_total",
			Help:      "Acquire calls that had to wait for a free handle.",
		}),
		PoolExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_pool_exhausted_total",
			Help:      "Acquire calls that gave up before a handle was free.",
		}),
		PatternsLearned: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learner_patterns",
			Help:      "Number of patterns currently held by the learner.",
		}),
	}
}

func (m *Metrics) ObservePerception(tier string, d time.Duration, overBudget bool) {
	if m == nil {
		return
	}
	m.PerceptionDuration.WithLabelValues(tier).Observe(d.Seconds())
	if overBudget {
		m.BudgetOverruns.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) StepRun(kind, outcome string) {
	if m == nil {
		return
	}
	m.StepRuns.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) WorkflowRun(status string) {
	if m == nil {
		return
	}
	m.WorkflowRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) RecoveryAttempt(category, result string) {
	if m == nil {
		return
	}
	m.RecoveryAttempts.WithLabelValues(category, result).Inc()
}

// SetBreakerState records 0 for closed, 1 for half-open and 2 for open.
func (m *Metrics) SetBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(service).Set(float64(state))
}

func (m *Metrics) ProviderCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) PoolWait() {
	if m == nil {
		return
	}
	m.PoolWaits.Inc()
}

func (m *Metrics) PoolExhaustion() {
	if m == nil {
		return
	}
	m.PoolExhausted.Inc()
}

func (m *Metrics) SetPatterns(n int) {
	if m == nil {
		return
	}
	m.PatternsLearned.Set(float64(n))
}
