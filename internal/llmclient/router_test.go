package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/metrics"
	"github.com/xkilldash9x/webpilot/internal/recovery"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// profiledMock lets tests give mocks distinct costs and specialisations.
type profiledMock struct {
	*MockProvider
	profile Profile
}

func (p profiledMock) Profile() Profile { return p.profile }

func decisionCfg(policy string) config.DecisionConfig {
	cfg := config.NewDefaultConfig().Decision()
	cfg.Policy = policy
	cfg.RateLimit = 0
	return cfg
}

var planCtx = schemas.PlanContext{
	IntentContext: schemas.IntentContext{PageURL: "https://shop.test/", Selectors: []string{"#login", "#cart"}, VisibleTexts: []string{"Log in", "Cart"}},
	Goal:          "open the cart",
}

func TestRouter_CircuitBreakerTrip(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	mgr := recovery.NewManager(config.NewDefaultConfig().Recovery(), zaptest.NewLogger(t), recovery.WithMetrics(m))
	mock := NewMockProvider("mock", 0)
	mock.FailWith(errors.New("llm provider unavailable"))

	r, err := NewRouter(decisionCfg("balanced"), []schemas.Provider{mock}, mgr, zaptest.NewLogger(t), m)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := r.CreatePlan(ctx, schemas.Intent{Type: "click"}, planCtx)
		require.ErrorIs(t, err, schemas.ErrAllProvidersFailed)
		assert.NotErrorIs(t, err, schemas.ErrCircuitOpen, "call %d reached the provider", i+1)
	}
	require.Equal(t, 5, mock.Calls())
	assert.Equal(t, recovery.StateOpen, mgr.Breaker("llm.mock").State())

	_, _, err = r.CreatePlan(ctx, schemas.Intent{Type: "click"}, planCtx)
	assert.ErrorIs(t, err, schemas.ErrCircuitOpen)
	assert.Equal(t, 5, mock.Calls(), "the sixth call must not reach the provider")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("mock", "circuit_open")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("mock", "error")))
}

func TestRouter_FallsBackThroughChain(t *testing.T) {
	primary := NewMockProvider("primary", 0)
	primary.FailWith(errors.New("model overloaded"))
	secondary := NewMockProvider("secondary", 0)

	r, err := NewRouter(decisionCfg("task_specialized"), []schemas.Provider{primary, secondary}, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	plan, meta, err := r.CreatePlan(context.Background(), schemas.Intent{Type: "click"}, planCtx)
	require.NoError(t, err)
	assert.Equal(t, "secondary", meta.Provider)
	assert.Equal(t, "#cart", plan.Actions[0].Selector)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 1, secondary.Calls())
}

func TestRouter_AllProvidersFailed(t *testing.T) {
	a, b := NewMockProvider("a", 0), NewMockProvider("b", 0)
	a.FailWith(errors.New("a down"))
	b.FailWith(errors.New("b down"))
	r, err := NewRouter(decisionCfg("balanced"), []schemas.Provider{a, b}, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	_, _, err = r.UnderstandIntent(context.Background(), "click login", schemas.IntentContext{})
	assert.ErrorIs(t, err, schemas.ErrAllProvidersFailed)
	assert.Equal(t, schemas.KindAllProvidersFailed, schemas.KindOf(err))
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())
}

func TestRouter_Policies(t *testing.T) {
	cheap := profiledMock{NewMockProvider("cheap", 0), Profile{CostPer1KTokens: 0.0001, ExpectedLatency: 3 * time.Second, Specializations: []Task{TaskCreative}}}
	fast := profiledMock{NewMockProvider("fast", 0), Profile{CostPer1KTokens: 0.01, ExpectedLatency: 100 * time.Millisecond, Specializations: []Task{TaskIntent}}}
	providers := []schemas.Provider{fast, cheap}

	tests := []struct {
		policy string
		task   Task
		want   []string
	}{
		{"cost_optimized", TaskPlan, []string{"cheap", "fast"}},
		{"performance_first", TaskPlan, []string{"fast", "cheap"}},
		{"task_specialized", TaskCreative, []string{"cheap", "fast"}},
		{"task_specialized", TaskIntent, []string{"fast", "cheap"}},
		{"task_specialized", TaskPlan, []string{"fast", "cheap"}},
		{"adaptive", TaskPlan, []string{"fast", "cheap"}},
	}
	for _, tt := range tests {
		t.Run(tt.policy+"/"+string(tt.task), func(t *testing.T) {
			r, err := NewRouter(decisionCfg(tt.policy), providers, nil, zaptest.NewLogger(t), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Chain(tt.task))
		})
	}
}

func TestRouter_AdaptiveLearnsFromOutcomes(t *testing.T) {
	flaky := NewMockProvider("flaky", 0)
	steady := NewMockProvider("steady", 0)
	r, err := NewRouter(decisionCfg("adaptive"), []schemas.Provider{flaky, steady}, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"flaky", "steady"}, r.Chain(TaskPlan))

	flaky.FailWith(errors.New("model error"))
	_, _, err = r.CreatePlan(context.Background(), schemas.Intent{}, planCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"steady", "flaky"}, r.Chain(TaskPlan))

	stats := r.Stats()
	assert.Equal(t, 0.0, stats[0].SuccessRate)
	assert.Equal(t, 1.0, stats[1].SuccessRate)
}

func TestRouter_SwitchProvider(t *testing.T) {
	a, b := NewMockProvider("a", 0), NewMockProvider("b", 0)
	r, err := NewRouter(decisionCfg("balanced"), []schemas.Provider{a, b}, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	var _ recovery.ProviderSwitcher = r

	next, err := r.SwitchProvider("")
	require.NoError(t, err)
	assert.Equal(t, "b", next)
	assert.Equal(t, []string{"b", "a"}, r.Chain(TaskPlan))

	r.now = func() time.Time { return time.Now().Add(2 * demoteFor) }
	assert.Equal(t, []string{"a", "b"}, r.Chain(TaskPlan), "demotion expires")

	pinned, err := r.SwitchProvider("b")
	require.NoError(t, err)
	assert.Equal(t, "b", pinned)
	assert.Equal(t, []string{"b", "a"}, r.Chain(TaskPlan))

	_, err = r.SwitchProvider("nope")
	assert.Error(t, err)
}

func TestRouter_RateLimitHonoursContext(t *testing.T) {
	cfg := decisionCfg("balanced")
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	mock := NewMockProvider("mock", 0)
	r, err := NewRouter(cfg, []schemas.Provider{mock}, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	_, _, err = r.GenerateCreative(context.Background(), "stuck", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = r.GenerateCreative(ctx, "stuck", nil)
	assert.Error(t, err)
	assert.Equal(t, 1, mock.Calls())
	assert.Equal(t, recovery.StateClosed, r.Stats()[0].Breaker)
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter(decisionCfg("balanced"), nil, nil, zaptest.NewLogger(t), nil)
	assert.Error(t, err)

	_, err = NewRouter(decisionCfg("fastest"), []schemas.Provider{NewMockProvider("", 0)}, nil, zaptest.NewLogger(t), nil)
	assert.Error(t, err)

	_, err = NewRouter(decisionCfg("balanced"), []schemas.Provider{NewMockProvider("x", 0), NewMockProvider("x", 0)}, nil, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}

func TestRouter_HealthCheck(t *testing.T) {
	a, b := NewMockProvider("a", 0), NewMockProvider("b", 0)
	a.FailWith(errors.New("down"))
	r, err := NewRouter(decisionCfg("balanced"), []schemas.Provider{a, b}, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	h, err := r.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Contains(t, h.Message, "a")
}
