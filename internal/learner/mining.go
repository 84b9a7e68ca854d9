package learner

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	tierSuccessFloor     = 0.85
	slowNetwork          = 1.0
	slowPageLoad         = 10 * time.Second
	failureCorrelation   = 0.6
	fastRun              = 5 * time.Second
	lowMemoryMB          = 100
	highCacheHitRate     = 0.9
	complexityCeiling    = 0.5
	adjustedTimeout      = 30 * time.Second
	preventiveConfidence = 0.8
	timeoutConfidence    = 0.75
	cachingConfidence    = 0.85
)

// miner derives patterns from a window of records, newest first.
type miner struct {
	stability int
	now       time.Time
}

func (m miner) pattern(kind PatternKind, conds []Condition, action Action, conf float64, support int, sr float64) Pattern {
	return Pattern{
		ID:          uuid.NewString(),
		Kind:        kind,
		Conditions:  conds,
		Action:      action,
		Confidence:  conf,
		Support:     support,
		SuccessRate: sr,
		UpdatedAt:   m.now,
	}
}

func (m miner) mine(records []ExecutionRecord) []Pattern {
	var out []Pattern
	out = append(out, m.tierPatterns(records)...)
	out = append(out, m.stepPatterns(records)...)
	out = append(out, m.errorPreventionPatterns(records)...)
	out = append(out, m.perfPatterns(records)...)
	return out
}

// tierPatterns emits ChangePerceptionLevel for every (task type, tier) pair
// with enough runs and a success rate above 0.85.
func (m miner) tierPatterns(records []ExecutionRecord) []Pattern {
	type key struct{ task, tier string }
	type agg struct{ total, ok int }
	stats := make(map[key]*agg)
	var order []key
	for _, r := range records {
		if r.Tier == "" {
			continue
		}
		k := key{r.TaskType, r.Tier}
		a, found := stats[k]
		if !found {
			a = &agg{}
			stats[k] = a
			order = append(order, k)
		}
		a.total++
		if r.Outcome.Success {
			a.ok++
		}
	}

	var out []Pattern
	for _, k := range order {
		a := stats[k]
		if a.total < m.stability {
			continue
		}
		sr := float64(a.ok) / float64(a.total)
		if sr <= tierSuccessFloor {
			continue
		}
		conds := []Condition{{Feature: "page_complexity", Op: OpLess, Value: complexityCeiling, Weight: 0.8}}
		if k.task != "" {
			conds = append(conds, Condition{Feature: "task_type", Op: OpEquals, Text: k.task, Weight: 1})
		}
		out = append(out, m.pattern(KindTierOptimisation, conds, Action{
			Type:                ActionChangePerceptionLevel,
			Params:              map[string]string{"tier": k.tier, "task_type": k.task},
			ExpectedImprovement: (sr - 0.7) * 100,
			Risk:                RiskLow,
		}, sr, a.total, sr))
	}
	return out
}

// stepPatterns emits AddPreventiveCheck for every error kind seen at least
// stability times.
func (m miner) stepPatterns(records []ExecutionRecord) []Pattern {
	counts := make(map[string]int)
	for _, r := range records {
		for _, k := range r.Outcome.ErrorKinds {
			counts[k]++
		}
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var out []Pattern
	for _, k := range kinds {
		n := counts[k]
		if n < m.stability {
			continue
		}
		out = append(out, m.pattern(KindStepOptimisation,
			[]Condition{{Feature: "previous_failures", Op: OpContains, Text: k, Weight: 0.9}},
			Action{Type: ActionAddPreventiveCheck, Params: map[string]string{"error_kind": k}, ExpectedImprovement: 20, Risk: RiskLow},
			preventiveConfidence, n, preventiveConfidence))
	}
	return out
}

// errorPreventionPatterns looks for environment factors shared by most
// failures and recommends longer timeouts for them.
func (m miner) errorPreventionPatterns(records []ExecutionRecord) []Pattern {
	var failed, slowNet, slowLoad int
	for _, r := range records {
		if r.Outcome.Success {
			continue
		}
		failed++
		if s := r.Environment.NetworkSpeed; s > 0 && s < slowNetwork {
			slowNet++
		}
		if r.Environment.PageLoadTime > slowPageLoad {
			slowLoad++
		}
	}
	if failed < m.stability {
		return nil
	}

	timeout := Action{
		Type:                ActionAdjustTimeout,
		Params:              map[string]string{"timeout": adjustedTimeout.String()},
		ExpectedImprovement: 30,
		Risk:                RiskLow,
	}
	var out []Pattern
	if float64(slowNet)/float64(failed) > failureCorrelation {
		out = append(out, m.pattern(KindErrorPrevention,
			[]Condition{{Feature: "network_speed", Op: OpLess, Value: slowNetwork, Weight: 0.8}},
			timeout, timeoutConfidence, slowNet, timeoutConfidence))
	}
	if float64(slowLoad)/float64(failed) > failureCorrelation {
		out = append(out, m.pattern(KindTimingOptimisation,
			[]Condition{{Feature: "page_load_ms", Op: OpGreater, Value: float64(slowPageLoad.Milliseconds()), Weight: 0.8}},
			timeout, timeoutConfidence, slowLoad, timeoutConfidence))
	}
	return out
}

// perfPatterns recommends a caching layer when fast, lean successes share a
// high cache hit rate.
func (m miner) perfPatterns(records []ExecutionRecord) []Pattern {
	var n int
	var hits float64
	for _, r := range records {
		if r.Outcome.Success && r.Perf.TotalDuration < fastRun && r.Perf.MemoryMB < lowMemoryMB {
			n++
			hits += r.Perf.CacheHitRate
		}
	}
	if n < m.stability || hits/float64(n) <= highCacheHitRate {
		return nil
	}
	return []Pattern{m.pattern(KindPerfOptimisation,
		[]Condition{{Feature: "cache_hit_rate", Op: OpGreater, Value: highCacheHitRate, Weight: 0.9}},
		Action{Type: ActionAddCachingLayer, ExpectedImprovement: 40, Risk: RiskLow},
		cachingConfidence, n, 1)}
}

// merge folds fresh patterns into the current registry. Existing patterns
// decay by decay; a fresh pattern replaces an existing one with the same key
// when its confidence is at least as high. Patterns under floor are dropped.
func merge(current, fresh []Pattern, decay, floor float64) []Pattern {
	byKey := make(map[string]int, len(current)+len(fresh))
	out := make([]Pattern, 0, len(current)+len(fresh))
	for _, p := range current {
		p.Confidence *= decay
		byKey[p.key()] = len(out)
		out = append(out, p)
	}
	for _, p := range fresh {
		if i, ok := byKey[p.key()]; ok {
			if p.Confidence >= out[i].Confidence {
				p.ID = out[i].ID
				out[i] = p
			}
			continue
		}
		byKey[p.key()] = len(out)
		out = append(out, p)
	}

	kept := out[:0]
	for _, p := range out {
		if p.Confidence >= floor {
			kept = append(kept, p)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Confidence > kept[j].Confidence })
	return kept
}

// featureValues extracts the numbers tracked for importance.
func featureValues(r ExecutionRecord) map[string]float64 {
	return map[string]float64{
		"page_complexity": r.Decision.PageComplexity,
		"network_speed":   r.Environment.NetworkSpeed,
		"cache_hit_rate":  r.Perf.CacheHitRate,
		"retry_count":     float64(r.Decision.RetryCount),
		"memory_usage":    r.Perf.MemoryMB,
		"cpu_usage":       r.Perf.CPUPercent,
		"page_load_ms":    float64(r.Environment.PageLoadTime.Milliseconds()),
	}
}

// updateImportance blends this window's mean(value x success) into the
// running correlation for each feature.
func updateImportance(prev map[string]FeatureImportance, records []ExecutionRecord, rate float64) map[string]FeatureImportance {
	sums := make(map[string]float64)
	for _, r := range records {
		s := 0.0
		if r.Outcome.Success {
			s = 1
		}
		for name, v := range featureValues(r) {
			sums[name] += v * s
		}
	}
	next := make(map[string]FeatureImportance, len(sums))
	for name, sum := range sums {
		avg := sum / float64(len(records))
		fi, ok := prev[name]
		if !ok {
			fi = FeatureImportance{Feature: name, Correlation: avg}
		} else {
			fi.Correlation += rate * (avg - fi.Correlation)
		}
		fi.Updates += len(records)
		fi.Importance = math.Abs(fi.Correlation)
		next[name] = fi
	}
	return next
}
