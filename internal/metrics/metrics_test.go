package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObservePerception("quick", 250*time.Millisecond, true)
	m.ObservePerception("quick", 10*time.Millisecond, false)
	m.CacheLookup("hit")
	m.CacheLookup("hit")
	m.CacheLookup("miss")
	m.StepRun("click", "success")
	m.WorkflowRun("completed")
	m.RecoveryAttempt("network", "success")
	m.SetBreakerState("llm", 2)
	m.ProviderCall("mock", "success")
	m.PoolWait()
	m.PoolExhaustion()
	m.SetPatterns(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BudgetOverruns.WithLabelValues("quick")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepRuns.WithLabelValues("click", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkflowRuns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryAttempts.WithLabelValues("network", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("llm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("mock", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolWaits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolExhausted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PatternsLearned))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PerceptionDuration))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePerception("deep", time.Second, true)
		m.CacheLookup("hit")
		m.StepRun("navigate", "failed")
		m.WorkflowRun("failed")
		m.RecoveryAttempt("browser", "failed")
		m.SetBreakerState("browser", 1)
		m.ProviderCall("gemini", "error")
		m.PoolWait()
		m.PoolExhaustion()
		m.SetPatterns(1)
	})
}
