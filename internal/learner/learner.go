// Package learner records finished workflow runs, mines patterns that predict
// success, and serves optimisation hints back to the scheduler and the
// orchestrator.
package learner

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/metrics"
	"github.com/xkilldash9x/webpilot/internal/perception"
)

const (
	// cycleWindow is how many recent records a learning cycle looks at.
	cycleWindow = 1000
	minMatch    = 0.7
	pruneFactor = 0.8
)

// HintSink receives tier recommendations. *perception.Scheduler satisfies it.
type HintSink interface {
	ApplyHint(perception.TierHint)
}

type cachedRecommendation struct {
	rec     Recommendation
	expires time.Time
}

// Learner is safe for concurrent use. Record is cheap; pattern mining runs
// on the worker started by Start, or synchronously through RunCycle.
type Learner struct {
	cfg     config.LearnerConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	history []ExecutionRecord
	head    int
	size    int
	total   int

	// patterns is replaced wholesale by each cycle.
	patterns atomic.Pointer[[]Pattern]

	statsMu    sync.Mutex
	applied    int
	cycles     int
	lastCycle  time.Time
	importance map[string]FeatureImportance

	recMu    sync.RWMutex
	recCache map[string]cachedRecommendation

	cycleMu sync.Mutex

	trigger  chan struct{}
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds a learner. Zero config values fall back to the defaults.
func New(cfg config.LearnerConfig, logger *zap.Logger, m *metrics.Metrics) *Learner {
	def := config.NewDefaultConfig().Learner()
	if cfg.MaxMemory <= 0 {
		cfg.MaxMemory = def.MaxMemory
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.PatternStabilityThreshold <= 0 {
		cfg.PatternStabilityThreshold = def.PatternStabilityThreshold
	}
	if cfg.CycleEvery <= 0 {
		cfg.CycleEvery = def.CycleEvery
	}
	if cfg.TemporalDecay <= 0 || cfg.TemporalDecay > 1 {
		cfg.TemporalDecay = def.TemporalDecay
	}
	if cfg.RecommendationTTL <= 0 {
		cfg.RecommendationTTL = def.RecommendationTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Learner{
		cfg:        cfg,
		logger:     logger.Named("learner"),
		metrics:    m,
		now:        time.Now,
		history:    make([]ExecutionRecord, cfg.MaxMemory),
		importance: make(map[string]FeatureImportance),
		recCache:   make(map[string]cachedRecommendation),
		trigger:    make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}
	empty := []Pattern{}
	l.patterns.Store(&empty)
	return l
}

// Start launches the learning worker. Cycles requested by Record run there.
func (l *Learner) Start() {
	l.wg.Add(1)
	go l.runWorker()
}

// Stop halts the worker and waits for an in-flight cycle to finish.
func (l *Learner) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
}

func (l *Learner) runWorker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopChan:
			return
		case <-l.trigger:
			l.RunCycle()
		}
	}
}

// Record appends a run. Every CycleEvery records a cycle is requested from
// the worker without blocking.
func (l *Learner) Record(rec ExecutionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	rec.deriveSignals()

	l.mu.Lock()
	l.history[l.head] = rec
	l.head = (l.head + 1) % len(l.history)
	if l.size < len(l.history) {
		l.size++
	}
	l.total++
	due := l.total%l.cfg.CycleEvery == 0
	l.mu.Unlock()

	if due {
		select {
		case l.trigger <- struct{}{}:
		default:
		}
	}
}

// Snapshot returns the history oldest first. The slice is a copy.
func (l *Learner) Snapshot() []ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ExecutionRecord, 0, l.size)
	start := (l.head - l.size + len(l.history)) % len(l.history)
	for i := 0; i < l.size; i++ {
		out = append(out, l.history[(start+i)%len(l.history)])
	}
	return out
}

// recent returns up to n records newest first.
func (l *Learner) recent(n int) []ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > l.size {
		n = l.size
	}
	out := make([]ExecutionRecord, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, l.history[(l.head-i+len(l.history))%len(l.history)])
	}
	return out
}

// RunCycle mines the recent window and replaces the pattern registry. It
// returns the number of patterns held afterwards.
func (l *Learner) RunCycle() int {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	records := l.recent(cycleWindow)
	current := *l.patterns.Load()
	if len(records) < l.cfg.PatternStabilityThreshold {
		l.logger.Debug("Not enough records for a learning cycle", zap.Int("records", len(records)))
		return len(current)
	}

	now := l.now()
	fresh := miner{stability: l.cfg.PatternStabilityThreshold, now: now}.mine(records)
	next := merge(current, fresh, l.cfg.TemporalDecay, l.cfg.ConfidenceThreshold*pruneFactor)
	l.patterns.Store(&next)

	l.recMu.Lock()
	l.recCache = make(map[string]cachedRecommendation)
	l.recMu.Unlock()

	l.statsMu.Lock()
	if l.cfg.TrackFeatureImportance {
		l.importance = updateImportance(l.importance, records, 1-l.cfg.TemporalDecay)
	}
	l.cycles++
	l.lastCycle = now
	l.statsMu.Unlock()

	l.metrics.SetPatterns(len(next))
	l.logger.Info("Learning cycle completed",
		zap.Int("records", len(records)),
		zap.Int("fresh", len(fresh)),
		zap.Int("patterns", len(next)))
	return len(next)
}

// Recommendations lists every pattern that is confident enough and matches
// f, most confident first. The result is not cached.
func (l *Learner) Recommendations(f Features) []Recommendation {
	var out []Recommendation
	for _, p := range *l.patterns.Load() {
		if p.Confidence < l.cfg.ConfidenceThreshold {
			continue
		}
		if m := p.match(f); m > minMatch {
			out = append(out, Recommendation{PatternID: p.ID, Kind: p.Kind, Action: p.Action, Confidence: p.Confidence, Match: m})
		}
	}
	return out
}

// Recommend returns the top recommendation for (url, intent). The answer is
// cached for the recommendation TTL, so asking twice in a row returns the
// same action.
func (l *Learner) Recommend(f Features, url, intent string) (Recommendation, bool) {
	key := url + "_" + intent
	now := l.now()

	l.recMu.RLock()
	c, ok := l.recCache[key]
	l.recMu.RUnlock()
	if ok && now.Before(c.expires) {
		return c.rec, true
	}

	recs := l.Recommendations(f)
	if len(recs) == 0 {
		return Recommendation{}, false
	}
	l.recMu.Lock()
	l.recCache[key] = cachedRecommendation{rec: recs[0], expires: now.Add(l.cfg.RecommendationTTL)}
	l.recMu.Unlock()
	return recs[0], true
}

// ApplyOptimizations applies every matching low or medium risk
// recommendation when auto apply is enabled. Tier changes go to sink. It
// returns a description of each applied change.
func (l *Learner) ApplyOptimizations(f Features, sink HintSink) []string {
	if !l.cfg.AutoApply {
		return nil
	}
	var applied []string
	for _, r := range l.Recommendations(f) {
		if r.Action.Risk == RiskHigh {
			continue
		}
		switch r.Action.Type {
		case ActionChangePerceptionLevel:
			tier, err := perception.ParseTier(r.Action.Params["tier"])
			if err != nil || sink == nil {
				continue
			}
			sink.ApplyHint(perception.TierHint{
				TaskType:   perception.ParseTaskType(r.Action.Params["task_type"]),
				Tier:       tier,
				Confidence: r.Confidence,
			})
			applied = append(applied, fmt.Sprintf("Changed perception level to %s", tier))
		case ActionAdjustTimeout:
			applied = append(applied, fmt.Sprintf("Adjusted timeout to %s", r.Action.Params["timeout"]))
		case ActionAddCachingLayer:
			applied = append(applied, "Added caching layer")
		default:
			applied = append(applied, "Applied "+r.Action.String())
		}
		l.statsMu.Lock()
		l.applied++
		l.statsMu.Unlock()
	}
	if len(applied) > 0 {
		l.logger.Info("Applied learned optimisations", zap.Strings("changes", applied))
	}
	return applied
}

// FeatureImportance returns the tracked features, most important first.
func (l *Learner) FeatureImportance() []FeatureImportance {
	l.statsMu.Lock()
	out := make([]FeatureImportance, 0, len(l.importance))
	for _, fi := range l.importance {
		out = append(out, fi)
	}
	l.statsMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}

// ExportPatterns returns a copy of the registry.
func (l *Learner) ExportPatterns() []Pattern {
	cur := *l.patterns.Load()
	out := make([]Pattern, len(cur))
	copy(out, cur)
	return out
}

func (l *Learner) Stats() Stats {
	patterns := *l.patterns.Load()
	l.mu.RLock()
	s := Stats{TotalLearned: l.total, HistorySize: l.size, Patterns: len(patterns)}
	l.mu.RUnlock()

	if len(patterns) > 0 {
		var sum float64
		for _, p := range patterns {
			sum += p.Confidence
		}
		s.ModelConfidence = sum / float64(len(patterns))
	}
	l.statsMu.Lock()
	s.OptimizationsApplied = l.applied
	s.Cycles = l.cycles
	s.LastCycle = l.lastCycle
	l.statsMu.Unlock()
	return s
}

// Clear drops history, patterns, importance, cached recommendations and
// counters.
func (l *Learner) Clear() {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	l.mu.Lock()
	l.history = make([]ExecutionRecord, len(l.history))
	l.head, l.size, l.total = 0, 0, 0
	l.mu.Unlock()

	empty := []Pattern{}
	l.patterns.Store(&empty)

	l.recMu.Lock()
	l.recCache = make(map[string]cachedRecommendation)
	l.recMu.Unlock()

	l.statsMu.Lock()
	l.importance = make(map[string]FeatureImportance)
	l.applied, l.cycles = 0, 0
	l.lastCycle = time.Time{}
	l.statsMu.Unlock()

	l.metrics.SetPatterns(0)
	l.logger.Info("Cleared all learning data")
}
