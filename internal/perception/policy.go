package perception

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// TaskType is the kind of work a perception request serves.
type TaskType string

const (
	TaskNavigation     TaskType = "navigation"
	TaskFormFilling    TaskType = "form_filling"
	TaskDataExtraction TaskType = "data_extraction"
	TaskInteraction    TaskType = "interaction"
	TaskMonitoring     TaskType = "monitoring"
	TaskGeneric        TaskType = "generic"
)

// ParseTaskType accepts the names above; anything else is generic.
func ParseTaskType(s string) TaskType {
	switch t := TaskType(strings.ToLower(strings.TrimSpace(s))); t {
	case TaskNavigation, TaskFormFilling, TaskDataExtraction, TaskInteraction, TaskMonitoring:
		return t
	}
	return TaskGeneric
}

// Priority of a request.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "normal"
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// TaskContext describes why perception is being requested.
type TaskContext struct {
	TaskType       TaskType      `json:"task_type"`
	Priority       Priority      `json:"priority"`
	TimeConstraint time.Duration `json:"time_constraint,omitempty"`
	RetryCount     int           `json:"retry_count,omitempty"`
	Intent         string        `json:"intent,omitempty"`
}

// TierHint is a learner recommendation for a task type.
type TierHint struct {
	TaskType   TaskType
	Tier       Tier
	Confidence float64
}

const (
	historyEpsilon   = 0.05
	minHistoryRuns   = 3
	hintMinConfident = 0.75
)

type tierStats struct {
	runs        int
	successRate float64
	avgMS       float64
}

// score is success_rate x 1000/(avg_ms+1).
func (s *tierStats) score() float64 {
	return s.successRate * 1000 / (s.avgMS + 1)
}

type sample struct {
	task     TaskType
	tier     Tier
	duration time.Duration
	success  bool
}

// AdaptivePolicy resolves the Adaptive tier from the task context and from
// how each tier has performed for that task type.
type AdaptivePolicy struct {
	mu      sync.RWMutex
	stats   map[TaskType]map[Tier]*tierStats
	samples []sample
	limit   int
	hints   map[TaskType]TierHint
}

// NewAdaptivePolicy keeps at most historySize raw samples, dropping the oldest.
func NewAdaptivePolicy(historySize int) *AdaptivePolicy {
	if historySize <= 0 {
		historySize = 1000
	}
	return &AdaptivePolicy{
		stats: make(map[TaskType]map[Tier]*tierStats),
		limit: historySize,
		hints: make(map[TaskType]TierHint),
	}
}

// heuristic picks the starting tier from the task type.
func heuristic(tc TaskContext) Tier {
	switch tc.TaskType {
	case TaskNavigation, TaskInteraction:
		return Quick
	case TaskFormFilling:
		return Standard
	case TaskDataExtraction:
		if tc.Priority == PriorityLow {
			return Deep
		}
		return Standard
	case TaskMonitoring:
		return Deep
	}
	return Standard
}

func timeOverride(d time.Duration) (Tier, bool) {
	switch {
	case d <= 0:
		return 0, false
	case d < 50*time.Millisecond:
		return Lightning, true
	case d < 200*time.Millisecond:
		return Quick, true
	case d < 500*time.Millisecond:
		return Standard, true
	}
	return Deep, true
}

// Select resolves a concrete tier. Order: task heuristic (or a confident
// learner hint), priority override, time constraint override, then history.
// History never overrides a Critical priority or an explicit time constraint.
func (p *AdaptivePolicy) Select(tc TaskContext) Tier {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tier := heuristic(tc)
	if h, ok := p.hints[tc.TaskType]; ok && h.Confidence >= hintMinConfident {
		tier = h.Tier
	}
	if tc.Priority == PriorityCritical {
		return Lightning
	}
	if t, ok := timeOverride(tc.TimeConstraint); ok {
		return t
	}

	byTier := p.stats[tc.TaskType]
	if len(byTier) == 0 {
		return tier
	}
	recent := p.recentLocked(tc.TaskType)
	base := 0.0
	if s, ok := byTier[tier]; ok && recent[tier].runs >= minHistoryRuns {
		base = s.score()
	}
	best, bestScore := tier, base
	for _, t := range ConcreteTiers {
		s, ok := byTier[t]
		if !ok || recent[t].runs < minHistoryRuns {
			continue
		}
		if sc := s.score(); sc > bestScore {
			best, bestScore = t, sc
		}
	}
	if best != tier && bestScore > base+historyEpsilon {
		return best
	}
	return tier
}

// Record folds one run into the history. The success rate is an EMA with
// weight 0.1 on the new sample; the average duration weighs it at 1/10.
func (p *AdaptivePolicy) Record(task TaskType, tier Tier, success bool, d time.Duration) {
	if !tier.Concrete() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	byTier, ok := p.stats[task]
	if !ok {
		byTier = make(map[Tier]*tierStats)
		p.stats[task] = byTier
	}
	s := 0.0
	if success {
		s = 1
	}
	ms := float64(d.Milliseconds())
	st, ok := byTier[tier]
	if !ok {
		byTier[tier] = &tierStats{runs: 1, successRate: s, avgMS: ms}
	} else {
		st.runs++
		st.successRate = 0.9*st.successRate + 0.1*s
		st.avgMS = (9*st.avgMS + ms) / 10
	}

	p.samples = append(p.samples, sample{task: task, tier: tier, duration: d, success: success})
	if over := len(p.samples) - p.limit; over > 0 {
		p.samples = append(p.samples[:0], p.samples[over:]...)
	}
}

type window struct {
	runs      int
	successes int
	total     time.Duration
}

// recentLocked tallies the retained samples of a task type per tier. A tier
// only takes part in history selection while it has enough recent runs.
func (p *AdaptivePolicy) recentLocked(task TaskType) map[Tier]window {
	out := make(map[Tier]window)
	for _, sm := range p.samples {
		if sm.task != task {
			continue
		}
		w := out[sm.tier]
		w.runs++
		if sm.success {
			w.successes++
		}
		w.total += sm.duration
		out[sm.tier] = w
	}
	return out
}

// ApplyHint installs a learner recommendation for a task type.
func (p *AdaptivePolicy) ApplyHint(h TierHint) {
	if !h.Tier.Concrete() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hints[h.TaskType] = h
}

// TierStats is a read-only view of the history for one tier. The Recent
// fields cover only the retained samples.
type TierStats struct {
	Runs              int     `json:"runs"`
	SuccessRate       float64 `json:"success_rate"`
	AvgMS             float64 `json:"avg_ms"`
	Score             float64 `json:"score"`
	RecentRuns        int     `json:"recent_runs"`
	RecentSuccessRate float64 `json:"recent_success_rate"`
	RecentAvgMS       float64 `json:"recent_avg_ms"`
}

// Stats returns the aggregates for a task type.
func (p *AdaptivePolicy) Stats(task TaskType) map[Tier]TierStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	recent := p.recentLocked(task)
	out := make(map[Tier]TierStats)
	for t, s := range p.stats[task] {
		ts := TierStats{Runs: s.runs, SuccessRate: s.successRate, AvgMS: s.avgMS, Score: s.score()}
		if w := recent[t]; w.runs > 0 {
			ts.RecentRuns = w.runs
			ts.RecentSuccessRate = float64(w.successes) / float64(w.runs)
			ts.RecentAvgMS = float64(w.total.Milliseconds()) / float64(w.runs)
		}
		out[t] = ts
	}
	return out
}

// SampleCount reports how many raw samples are retained.
func (p *AdaptivePolicy) SampleCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.samples)
}
