package perception

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/metrics"
)

// ExecutionStrategy is how the scheduler walks the tiers up to the target.
type ExecutionStrategy string

const (
	SingleLayer ExecutionStrategy = "single_layer"
	Cascading   ExecutionStrategy = "cascading"
	Parallel    ExecutionStrategy = "parallel"
	Hybrid      ExecutionStrategy = "hybrid"
)

// FallbackPolicy decides what happens when a tier fails.
type FallbackPolicy string

const (
	StopOnTimeout       FallbackPolicy = "stop_on_timeout"
	ContinueWithPartial FallbackPolicy = "continue_with_partial"
	RetryLowerTier      FallbackPolicy = "retry_lower_tier"
	UseCache            FallbackPolicy = "use_cache"
)

const (
	hybridLightningConfidence = 0.7
	hybridQuickConfidence     = 0.8
)

// Request asks for a perception pass.
type Request struct {
	URL     string
	Tier    Tier
	Context TaskContext
	// Navigate loads URL before perceiving. Otherwise the handle is assumed to
	// already show it.
	Navigate bool
	// Strategy overrides the scheduler default when set.
	Strategy ExecutionStrategy
}

// Scheduler resolves tiers, consults the cache and runs strategies.
type Scheduler struct {
	factory  *Factory
	cache    *Cache
	policy   *AdaptivePolicy
	strategy ExecutionStrategy
	fallback FallbackPolicy
	logger   *zap.Logger
	metrics  *metrics.Metrics

	lookups sync.Mutex
	hits    int
	total   int
}

// NewScheduler wires a scheduler from configuration.
func NewScheduler(cfg config.PerceptionConfig, factory *Factory, cache *Cache, logger *zap.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if factory == nil || cache == nil {
		return nil, errors.New("scheduler requires a factory and a cache")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		factory:  factory,
		cache:    cache,
		policy:   NewAdaptivePolicy(cfg.HistorySize),
		strategy: ExecutionStrategy(cfg.Strategy),
		fallback: FallbackPolicy(cfg.Fallback),
		logger:   logger.Named("scheduler"),
		metrics:  m,
	}
	if s.strategy == "" {
		s.strategy = SingleLayer
	}
	if s.fallback == "" {
		s.fallback = ContinueWithPartial
	}
	return s, nil
}

// Policy exposes the adaptive policy.
func (s *Scheduler) Policy() *AdaptivePolicy { return s.policy }

// Cache exposes the perception cache.
func (s *Scheduler) Cache() *Cache { return s.cache }

// Sites exposes the site registry consulted by Deep passes.
func (s *Scheduler) Sites() *SiteRegistry { return s.factory.Sites() }

// SetFallback changes the fallback policy.
func (s *Scheduler) SetFallback(p FallbackPolicy) { s.fallback = p }

// CacheHitRate is the share of lookups served from cache.
func (s *Scheduler) CacheHitRate() float64 {
	s.lookups.Lock()
	defer s.lookups.Unlock()
	if s.total == 0 {
		return 0
	}
	return float64(s.hits) / float64(s.total)
}

func (s *Scheduler) countLookup(hit bool) {
	s.lookups.Lock()
	defer s.lookups.Unlock()
	s.total++
	if hit {
		s.hits++
	}
}

// Schedule runs perception for req on h. The cache is always consulted first,
// keyed by the requested tier.
func (s *Scheduler) Schedule(ctx context.Context, h schemas.BrowserHandle, req Request) (*Result, error) {
	start := time.Now()
	requested := req.Tier

	if cached, source := s.cache.Get(ctx, req.URL, requested); cached != nil {
		s.metrics.CacheLookup(source)
		s.countLookup(true)
		cached.CacheUsed = true
		cached.DurationMS = time.Since(start).Milliseconds()
		return cached, nil
	}
	s.metrics.CacheLookup("miss")
	s.countLookup(false)

	tier := requested
	if tier == Adaptive {
		tier = s.policy.Select(req.Context)
		s.logger.Debug("Adaptive tier resolved",
			zap.String("task_type", string(req.Context.TaskType)),
			zap.Stringer("priority", req.Context.Priority),
			zap.Stringer("tier", tier))
	}
	if !tier.Concrete() {
		return nil, schemas.NewError(schemas.KindValidationFailed, "perception.Schedule", fmt.Sprintf("tier %s is not runnable", tier), nil)
	}

	if req.Navigate {
		if err := h.Navigate(ctx, req.URL); err != nil {
			return nil, err
		}
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = s.strategy
	}
	hard := req.Context.TimeConstraint > 0

	res, err := s.execute(ctx, h, req.URL, tier, strategy, hard)
	elapsed := time.Since(start)
	if err == nil {
		res.TierRequested = requested
		s.observe(req, res, elapsed)
		if perr := s.cache.Put(ctx, req.URL, requested, res); perr != nil {
			s.logger.Warn("Failed to cache perception result", zap.Error(perr))
		}
		return res, nil
	}

	s.policy.Record(req.Context.TaskType, tier, false, elapsed)
	s.metrics.ObservePerception(tier.String(), elapsed, true)
	return s.fallbackFor(ctx, h, req, tier, res, err)
}

func (s *Scheduler) observe(req Request, res *Result, elapsed time.Duration) {
	s.policy.Record(req.Context.TaskType, res.TierActual, !res.BudgetExceeded, elapsed)
	s.metrics.ObservePerception(res.TierActual.String(), elapsed, res.BudgetExceeded)
}

// execute walks the tiers according to the execution strategy.
func (s *Scheduler) execute(ctx context.Context, h schemas.BrowserHandle, url string, tier Tier, strategy ExecutionStrategy, hard bool) (*Result, error) {
	switch strategy {
	case Cascading:
		return s.cascade(ctx, h, url, Lightning, tier, hard, nil, nil)
	case Parallel:
		return s.parallel(ctx, h, url, tier, hard)
	case Hybrid:
		return s.cascade(ctx, h, url, Lightning, tier, hard, nil, func(r *Result) bool {
			switch r.TierActual {
			case Lightning:
				return r.Confidence < hybridLightningConfidence
			case Quick:
				return r.Confidence < hybridQuickConfidence
			}
			return true
		})
	default:
		return s.runTier(ctx, h, tier, Target{URL: url, Hard: hard})
	}
}

func (s *Scheduler) runTier(ctx context.Context, h schemas.BrowserHandle, t Tier, target Target) (*Result, error) {
	st, err := s.factory.Get(t)
	if err != nil {
		return nil, schemas.NewError(schemas.KindInternal, "perception.runTier", err.Error(), err)
	}
	return st.Perceive(ctx, h, target)
}

// cascade runs from..to in order, each tier extending the previous result.
// cont, when set, decides after each tier whether to go further.
func (s *Scheduler) cascade(ctx context.Context, h schemas.BrowserHandle, url string, from, to Tier, hard bool, base *Result, cont func(*Result) bool) (*Result, error) {
	res := base
	for t := from; t <= to; t++ {
		next, err := s.runTier(ctx, h, t, Target{URL: url, Base: res, Hard: hard})
		if err != nil {
			if next == nil {
				next = res
			}
			return next, err
		}
		res = next
		if cont != nil && t < to && !cont(res) {
			s.logger.Debug("Hybrid stopped early", zap.Stringer("tier", t), zap.Float64("confidence", res.Confidence))
			break
		}
	}
	return res, nil
}

// parallel runs every tier up to the target concurrently and keeps the
// highest one that completed.
func (s *Scheduler) parallel(ctx context.Context, h schemas.BrowserHandle, url string, tier Tier, hard bool) (*Result, error) {
	results := make([]*Result, tier+1)
	errs := make([]error, tier+1)
	var g errgroup.Group
	for t := Lightning; t <= tier; t++ {
		t := t
		g.Go(func() error {
			results[t], errs[t] = s.runTier(ctx, h, t, Target{URL: url, Hard: hard})
			return nil
		})
	}
	_ = g.Wait()

	if errs[tier] == nil {
		return results[tier], nil
	}
	for t := tier - 1; t >= Lightning; t-- {
		if errs[t] == nil {
			return results[t], errs[tier]
		}
	}
	return results[tier], errs[tier]
}

// fallbackFor applies the fallback policy after a failed run. partial is
// whatever the failed run managed to complete and may be nil.
func (s *Scheduler) fallbackFor(ctx context.Context, h schemas.BrowserHandle, req Request, tier Tier, partial *Result, cause error) (*Result, error) {
	budget := time.Duration(0)
	if st, err := s.factory.Get(tier); err == nil {
		budget = st.Budget()
	}
	log := s.logger.With(zap.Stringer("tier", tier), zap.Duration("budget", budget), zap.String("fallback", string(s.fallback)), zap.Error(cause))

	switch s.fallback {
	case StopOnTimeout:
		if k := schemas.KindOf(cause); k == schemas.KindTimeout || k == schemas.KindTierTimeout {
			log.Warn("Perception tier timed out")
			return nil, schemas.NewError(schemas.KindTierTimeout, "perception.Schedule",
				fmt.Sprintf("tier %s exceeded budget %v", tier, budget), cause)
		}
		return nil, cause

	case RetryLowerTier:
		if ctx.Err() == nil {
			for t := tier - 1; t >= Lightning; t-- {
				res, err := s.runTier(ctx, h, t, Target{URL: req.URL})
				if err == nil {
					log.Warn("Perception fell back to lower tier", zap.Stringer("actual", t))
					return degrade(res, req.Tier, schemas.OutcomeDegraded, fmt.Sprintf("retried at %s after %s failed: %v", t, tier, cause)), nil
				}
			}
		}

	case UseCache:
		if cached, ok := s.cache.Lookup(req.URL); ok {
			log.Warn("Perception served from cache after failure", zap.Stringer("actual", cached.TierActual))
			cached.CacheUsed = true
			return degrade(cached, req.Tier, schemas.OutcomeDegraded, fmt.Sprintf("served cached %s result after %s failed: %v", cached.TierActual, tier, cause)), nil
		}
	}

	// ContinueWithPartial, and the last resort for the other policies.
	if partial != nil {
		log.Warn("Perception returned partial result", zap.Stringer("actual", partial.TierActual))
		return degrade(partial, req.Tier, schemas.OutcomePartial, fmt.Sprintf("partial %s result after %s failed: %v", partial.TierActual, tier, cause)), nil
	}
	log.Warn("Perception produced nothing, returning empty degraded result")
	empty := &Result{URL: req.URL, TierActual: Lightning, KeyElements: []ScoredElement{}, CapturedAt: time.Now().UTC()}
	return degrade(empty, req.Tier, schemas.OutcomeDegraded, fmt.Sprintf("no tier completed: %v", cause)), nil
}

func degrade(r *Result, requested Tier, status schemas.OutcomeStatus, reason string) *Result {
	r.TierRequested = requested
	r.Status = status
	r.FallbackReason = reason
	return r
}

// RecordOutcome feeds the result of acting on a perception back into the
// adaptive history.
func (s *Scheduler) RecordOutcome(task TaskType, tier Tier, success bool, d time.Duration) {
	s.policy.Record(task, tier, success, d)
}

// ApplyHint installs a learner tier recommendation.
func (s *Scheduler) ApplyHint(h TierHint) {
	s.logger.Info("Applying tier hint", zap.String("task_type", string(h.TaskType)), zap.Stringer("tier", h.Tier), zap.Float64("confidence", h.Confidence))
	s.policy.ApplyHint(h)
}
