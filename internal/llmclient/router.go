package llmclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/metrics"
	"github.com/xkilldash9x/webpilot/internal/recovery"
)

// Policy selects the order in which the router tries providers.
type Policy string

const (
	PolicyCostOptimized    Policy = "cost_optimized"
	PolicyPerformanceFirst Policy = "performance_first"
	PolicyBalanced         Policy = "balanced"
	PolicyTaskSpecialized  Policy = "task_specialized"
	PolicyAdaptive         Policy = "adaptive"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyCostOptimized, PolicyPerformanceFirst, PolicyBalanced, PolicyTaskSpecialized, PolicyAdaptive:
		return p, nil
	case "":
		return PolicyBalanced, nil
	}
	return "", fmt.Errorf("unknown routing policy %q", s)
}

// demoteFor is how long SwitchProvider pushes a provider to the back.
const demoteFor = time.Minute

type route struct {
	provider schemas.Provider
	profile  Profile
	breaker  *recovery.Breaker
	limiter  *rate.Limiter
	order    int

	mu         sync.Mutex
	calls      int
	successes  int
	avgLatency time.Duration
}

func (r *route) observe(ok bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if ok {
		r.successes++
	}
	if r.avgLatency == 0 {
		r.avgLatency = latency
	} else {
		// EWMA with alpha 0.2.
		r.avgLatency = time.Duration(0.8*float64(r.avgLatency) + 0.2*float64(latency))
	}
}

// successRate and latency fall back to priors before any call is observed.
func (r *route) observed() (successRate float64, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == 0 {
		return 0.5, r.profile.ExpectedLatency
	}
	return float64(r.successes) / float64(r.calls), r.avgLatency
}

// Router implements schemas.Provider over an ordered chain of providers. Each
// provider sits behind its own circuit breaker and rate limiter; on failure the
// router falls through to the next provider in policy order.
type Router struct {
	policy  Policy
	routes  []*route
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pinned  string
	demoted map[string]time.Time
}

// BreakerSource hands out per-service breakers. *recovery.Manager satisfies it.
type BreakerSource interface {
	Breaker(service string) *recovery.Breaker
}

// NewRouter builds a router over providers, in fallback order. breakers may be
// nil, in which case the router owns breakers built from recovery defaults.
func NewRouter(cfg config.DecisionConfig, providers []schemas.Provider, breakers BreakerSource, logger *zap.Logger, m *metrics.Metrics) (*Router, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider must be configured")
	}
	policy, err := ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	r := &Router{
		policy:  policy,
		logger:  logger.Named("llm_router"),
		metrics: m,
		now:     time.Now,
		demoted: make(map[string]time.Time),
	}
	seen := make(map[string]bool)
	for i, p := range providers {
		name := p.Name()
		if seen[name] {
			return nil, fmt.Errorf("provider %q configured twice", name)
		}
		seen[name] = true
		var b *recovery.Breaker
		if breakers != nil {
			b = breakers.Breaker("llm." + name)
		} else {
			b = recovery.NewBreaker("llm."+name, 0, 0, logger, m)
		}
		r.routes = append(r.routes, &route{
			provider: p,
			profile:  profileOf(p),
			breaker:  b,
			limiter:  rate.NewLimiter(limit, burst),
			order:    i,
		})
	}
	return r, nil
}

func (r *Router) Name() string { return "router" }

// Policy returns the active routing policy.
func (r *Router) Policy() Policy { return r.policy }

// Chain returns provider names in the order a call for task would try them.
func (r *Router) Chain(task Task) []string {
	routes := r.ordered(task)
	out := make([]string, len(routes))
	for i, rt := range routes {
		out[i] = rt.provider.Name()
	}
	return out
}

func (r *Router) ordered(task Task) []*route {
	routes := append([]*route(nil), r.routes...)
	key := r.rankKey(task, routes)
	sort.SliceStable(routes, func(i, j int) bool { return key(routes[i]) < key(routes[j]) })

	r.mu.Lock()
	pinned := r.pinned
	now := r.now()
	demoted := make(map[string]bool)
	for name, until := range r.demoted {
		if now.Before(until) {
			demoted[name] = true
		} else {
			delete(r.demoted, name)
		}
	}
	r.mu.Unlock()

	sort.SliceStable(routes, func(i, j int) bool {
		return placement(routes[i], pinned, demoted) < placement(routes[j], pinned, demoted)
	})
	return routes
}

func placement(rt *route, pinned string, demoted map[string]bool) int {
	switch name := rt.provider.Name(); {
	case name == pinned:
		return 0
	case demoted[name]:
		return 2
	}
	return 1
}

// rankKey returns a lower-is-better sort key for the policy.
func (r *Router) rankKey(task Task, routes []*route) func(*route) float64 {
	switch r.policy {
	case PolicyCostOptimized:
		return func(rt *route) float64 { return rt.profile.CostPer1KTokens }
	case PolicyPerformanceFirst:
		return func(rt *route) float64 {
			_, lat := rt.observed()
			return float64(lat)
		}
	case PolicyTaskSpecialized:
		return func(rt *route) float64 {
			if rt.profile.specializes(task) {
				return 0
			}
			return 1
		}
	case PolicyAdaptive:
		return func(rt *route) float64 {
			sr, lat := rt.observed()
			return -sr * (1000 / (float64(lat.Milliseconds()) + 1))
		}
	}

	// Balanced: even weight on observed success, cost and latency, each
	// normalised against the chain's maximum.
	var maxCost float64
	var maxLat time.Duration
	for _, rt := range routes {
		if rt.profile.CostPer1KTokens > maxCost {
			maxCost = rt.profile.CostPer1KTokens
		}
		if _, lat := rt.observed(); lat > maxLat {
			maxLat = lat
		}
	}
	return func(rt *route) float64 {
		sr, lat := rt.observed()
		score := sr
		if maxCost > 0 {
			score += 1 - rt.profile.CostPer1KTokens/maxCost
		} else {
			score++
		}
		if maxLat > 0 {
			score += 1 - float64(lat)/float64(maxLat)
		} else {
			score++
		}
		return -score
	}
}

// SwitchProvider implements recovery.ProviderSwitcher. A name pins that
// provider to the front; an empty name demotes the current front runner.
func (r *Router) SwitchProvider(name string) (string, error) {
	if name != "" {
		for _, rt := range r.routes {
			if rt.provider.Name() == name {
				r.mu.Lock()
				r.pinned = name
				delete(r.demoted, name)
				r.mu.Unlock()
				r.logger.Info("Pinned provider", zap.String("provider", name))
				return name, nil
			}
		}
		return "", fmt.Errorf("unknown provider %q", name)
	}

	chain := r.ordered(TaskPlan)
	current := chain[0].provider.Name()
	r.mu.Lock()
	if r.pinned == current {
		r.pinned = ""
	}
	r.demoted[current] = r.now().Add(demoteFor)
	r.mu.Unlock()

	next := r.ordered(TaskPlan)[0].provider.Name()
	r.logger.Info("Demoted provider", zap.String("from", current), zap.String("to", next))
	return next, nil
}

// do walks the chain for task until one provider succeeds.
func do[T any](ctx context.Context, r *Router, task Task, fn func(context.Context, schemas.Provider) (T, schemas.CallMeta, error)) (T, schemas.CallMeta, error) {
	var zero T
	var lastErr error
	for _, rt := range r.ordered(task) {
		name := rt.provider.Name()
		if err := rt.breaker.Allow(); err != nil {
			r.metrics.ProviderCall(name, "circuit_open")
			r.logger.Debug("Skipping provider with open circuit", zap.String("provider", name))
			lastErr = err
			continue
		}
		if err := rt.limiter.Wait(ctx); err != nil {
			// The admitted probe never ran, so it must not count against the service.
			rt.breaker.Record(context.Canceled)
			return zero, schemas.CallMeta{Provider: name}, err
		}

		out, meta, err := fn(ctx, rt.provider)
		rt.breaker.Record(err)
		rt.observe(err == nil, meta.Latency)
		if err == nil {
			r.metrics.ProviderCall(name, "success")
			meta.Provider = name
			return out, meta, nil
		}
		r.metrics.ProviderCall(name, "error")
		if ctx.Err() != nil {
			return zero, meta, ctx.Err()
		}
		r.logger.Warn("Provider failed, falling back", zap.String("provider", name), zap.String("task", string(task)), zap.Error(err))
		lastErr = err
	}
	return zero, schemas.CallMeta{}, schemas.NewError(schemas.KindAllProvidersFailed, "llm."+string(task), fmt.Sprintf("%d providers tried", len(r.routes)), lastErr)
}

func (r *Router) UnderstandIntent(ctx context.Context, input string, ictx schemas.IntentContext) (schemas.Intent, schemas.CallMeta, error) {
	return do(ctx, r, TaskIntent, func(ctx context.Context, p schemas.Provider) (schemas.Intent, schemas.CallMeta, error) {
		return p.UnderstandIntent(ctx, input, ictx)
	})
}

func (r *Router) CreatePlan(ctx context.Context, intent schemas.Intent, pctx schemas.PlanContext) (schemas.Plan, schemas.CallMeta, error) {
	return do(ctx, r, TaskPlan, func(ctx context.Context, p schemas.Provider) (schemas.Plan, schemas.CallMeta, error) {
		return p.CreatePlan(ctx, intent, pctx)
	})
}

func (r *Router) GenerateCreative(ctx context.Context, problem string, constraints []string) (schemas.Solution, schemas.CallMeta, error) {
	return do(ctx, r, TaskCreative, func(ctx context.Context, p schemas.Provider) (schemas.Solution, schemas.CallMeta, error) {
		return p.GenerateCreative(ctx, problem, constraints)
	})
}

// HealthCheck probes every provider and is healthy when any of them is.
func (r *Router) HealthCheck(ctx context.Context) (schemas.Health, error) {
	start := time.Now()
	var unhealthy []string
	for _, rt := range r.routes {
		h, err := rt.provider.HealthCheck(ctx)
		if err != nil || !h.Healthy {
			unhealthy = append(unhealthy, rt.provider.Name())
		}
	}
	h := schemas.Health{Healthy: len(unhealthy) < len(r.routes), Latency: time.Since(start)}
	if len(unhealthy) > 0 {
		h.Message = fmt.Sprintf("unhealthy providers: %v", unhealthy)
	}
	return h, nil
}

// ProviderStats is the router's view of one provider.
type ProviderStats struct {
	Name        string         `json:"name"`
	Calls       int            `json:"calls"`
	SuccessRate float64        `json:"success_rate"`
	AvgLatency  time.Duration  `json:"avg_latency"`
	Breaker     recovery.State `json:"breaker"`
}

// Stats returns per-provider counters in configured order.
func (r *Router) Stats() []ProviderStats {
	out := make([]ProviderStats, 0, len(r.routes))
	for _, rt := range r.routes {
		rt.mu.Lock()
		s := ProviderStats{Name: rt.provider.Name(), Calls: rt.calls, AvgLatency: rt.avgLatency}
		if rt.calls > 0 {
			s.SuccessRate = float64(rt.successes) / float64(rt.calls)
		}
		rt.mu.Unlock()
		s.Breaker = rt.breaker.State()
		out = append(out, s)
	}
	return out
}
