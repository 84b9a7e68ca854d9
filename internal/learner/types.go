package learner

import (
	"strings"
	"time"
)

// DecisionSnapshot is the context a run was decided under.
type DecisionSnapshot struct {
	PageURL          string        `json:"page_url"`
	PageComplexity   float64       `json:"page_complexity"`
	UserIntent       string        `json:"user_intent"`
	TimeConstraint   time.Duration `json:"time_constraint,omitempty"`
	RetryCount       int           `json:"retry_count"`
	PreviousFailures []string      `json:"previous_failures,omitempty"`
}

// Outcome is how the run ended.
type Outcome struct {
	Success        bool          `json:"success"`
	CompletionTime time.Duration `json:"completion_time"`
	StepsCompleted int           `json:"steps_completed"`
	StepsFailed    int           `json:"steps_failed"`
	ErrorKinds     []string      `json:"error_kinds,omitempty"`
	QualityScore   float64       `json:"quality_score"`
}

// PerfMetrics are resource and timing measurements of the run.
type PerfMetrics struct {
	TotalDuration  time.Duration `json:"total_duration"`
	PerceptionTime time.Duration `json:"perception_time"`
	DecisionTime   time.Duration `json:"decision_time"`
	ActionTime     time.Duration `json:"action_time"`
	MemoryMB       float64       `json:"memory_mb"`
	CPUPercent     float64       `json:"cpu_percent"`
	CacheHitRate   float64       `json:"cache_hit_rate"`
}

// Environment describes where the run happened. A zero NetworkSpeed means
// it was not measured.
type Environment struct {
	BrowserType    string        `json:"browser_type,omitempty"`
	ViewportWidth  int           `json:"viewport_width,omitempty"`
	ViewportHeight int           `json:"viewport_height,omitempty"`
	NetworkSpeed   float64       `json:"network_speed,omitempty"`
	PageLoadTime   time.Duration `json:"page_load_time"`
}

// SuccessSignals are boolean summaries derived from the outcome.
type SuccessSignals struct {
	TaskCompleted    bool `json:"task_completed"`
	NoErrors         bool `json:"no_errors"`
	WithinTimeLimit  bool `json:"within_time_limit"`
	HighAccuracy     bool `json:"high_accuracy"`
	EfficientRuntime bool `json:"efficient_runtime"`
}

// ExecutionRecord is one finished workflow run. Tier is empty when the run
// did no perception.
type ExecutionRecord struct {
	ID          string           `json:"id"`
	Timestamp   time.Time        `json:"timestamp"`
	WorkflowID  string           `json:"workflow_id"`
	TaskType    string           `json:"task_type"`
	Tier        string           `json:"tier,omitempty"`
	Decision    DecisionSnapshot `json:"decision_context"`
	Outcome     Outcome          `json:"outcome"`
	Perf        PerfMetrics      `json:"perf_metrics"`
	Environment Environment      `json:"environment"`
	Signals     SuccessSignals   `json:"success_signals"`
}

// deriveSignals fills Signals from the other fields.
func (r *ExecutionRecord) deriveSignals() {
	r.Signals = SuccessSignals{
		TaskCompleted:    r.Outcome.Success,
		NoErrors:         len(r.Outcome.ErrorKinds) == 0 && r.Outcome.StepsFailed == 0,
		WithinTimeLimit:  r.Decision.TimeConstraint == 0 || r.Outcome.CompletionTime <= r.Decision.TimeConstraint,
		HighAccuracy:     r.Outcome.QualityScore > 0.8,
		EfficientRuntime: r.Perf.MemoryMB < 100,
	}
}

// PatternKind groups patterns by what they optimise.
type PatternKind string

const (
	KindTierOptimisation     PatternKind = "tier_optimisation"
	KindStepOptimisation     PatternKind = "step_optimisation"
	KindErrorPrevention      PatternKind = "error_prevention"
	KindPerfOptimisation     PatternKind = "perf_optimisation"
	KindResourceOptimisation PatternKind = "resource_optimisation"
	KindTimingOptimisation   PatternKind = "timing_optimisation"
	KindContextual           PatternKind = "contextual_adaptation"
)

// Operator compares a feature with a condition value.
type Operator string

const (
	OpEquals   Operator = "eq"
	OpGreater  Operator = "gt"
	OpLess     Operator = "lt"
	OpContains Operator = "contains"
	OpInRange  Operator = "in_range"
)

// Condition is one weighted test on a feature. Number conditions use Value
// (and Max for ranges); text conditions use Text.
type Condition struct {
	Feature string   `json:"feature"`
	Op      Operator `json:"op"`
	Value   float64  `json:"value,omitempty"`
	Max     float64  `json:"max,omitempty"`
	Text    string   `json:"text,omitempty"`
	Weight  float64  `json:"weight"`
}

// ActionType is the kind of optimisation a pattern recommends.
type ActionType string

const (
	ActionChangePerceptionLevel ActionType = "change_perception_level"
	ActionModifyWorkflowStep    ActionType = "modify_workflow_step"
	ActionAddPreventiveCheck    ActionType = "add_preventive_check"
	ActionAdjustTimeout         ActionType = "adjust_timeout"
	ActionOptimizeResources     ActionType = "optimize_resource_usage"
	ActionChangeStrategy        ActionType = "change_execution_strategy"
	ActionAddCachingLayer       ActionType = "add_caching_layer"
)

// Risk of applying an action automatically.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Action is a recommended optimisation. Params carry the argument, such as
// "tier" for ChangePerceptionLevel or "timeout" for AdjustTimeout.
type Action struct {
	Type                ActionType        `json:"type"`
	Params              map[string]string `json:"params,omitempty"`
	ExpectedImprovement float64           `json:"expected_improvement"`
	Risk                Risk              `json:"risk"`
}

// String renders the action with its main argument, e.g.
// "change_perception_level(standard)".
func (a Action) String() string {
	for _, k := range []string{"tier", "timeout", "error_kind", "step"} {
		if v, ok := a.Params[k]; ok {
			return string(a.Type) + "(" + v + ")"
		}
	}
	return string(a.Type)
}

// Pattern is a learned conditions -> action rule.
type Pattern struct {
	ID          string      `json:"id"`
	Kind        PatternKind `json:"kind"`
	Conditions  []Condition `json:"conditions"`
	Action      Action      `json:"recommended_action"`
	Confidence  float64     `json:"confidence"`
	Support     int         `json:"support_count"`
	SuccessRate float64     `json:"success_rate"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// key identifies a pattern across cycles: same kind, same action, same
// conditions.
func (p Pattern) key() string {
	var b strings.Builder
	b.WriteString(string(p.Kind))
	b.WriteByte('|')
	b.WriteString(p.Action.String())
	for _, c := range p.Conditions {
		b.WriteByte('|')
		b.WriteString(c.Feature)
		b.WriteString(string(c.Op))
		b.WriteString(c.Text)
	}
	return b.String()
}

// Features are the observable values patterns are matched against.
type Features struct {
	TaskType         string
	PageComplexity   float64
	NetworkSpeed     float64
	CacheHitRate     float64
	RetryCount       int
	MemoryMB         float64
	CPUPercent       float64
	PageLoadTime     time.Duration
	PreviousFailures []string
}

func (f Features) number(name string) (float64, bool) {
	switch name {
	case "page_complexity":
		return f.PageComplexity, true
	case "network_speed":
		return f.NetworkSpeed, f.NetworkSpeed > 0
	case "cache_hit_rate":
		return f.CacheHitRate, true
	case "retry_count":
		return float64(f.RetryCount), true
	case "memory_usage":
		return f.MemoryMB, true
	case "cpu_usage":
		return f.CPUPercent, true
	case "page_load_ms":
		return float64(f.PageLoadTime.Milliseconds()), true
	}
	return 0, false
}

// eval scores one condition as 0 or 1. Unknown features never match.
func (c Condition) eval(f Features) float64 {
	switch c.Feature {
	case "task_type":
		if c.Op == OpEquals && strings.EqualFold(f.TaskType, c.Text) {
			return 1
		}
		return 0
	case "previous_failures":
		if c.Op != OpContains {
			return 0
		}
		for _, s := range f.PreviousFailures {
			if strings.EqualFold(s, c.Text) {
				return 1
			}
		}
		return 0
	}
	v, ok := f.number(c.Feature)
	if !ok {
		return 0
	}
	var hit bool
	switch c.Op {
	case OpGreater:
		hit = v > c.Value
	case OpLess:
		hit = v < c.Value
	case OpEquals:
		hit = v-c.Value < 0.01 && c.Value-v < 0.01
	case OpInRange:
		hit = v >= c.Value && v <= c.Max
	}
	if hit {
		return 1
	}
	return 0
}

// match is the weighted mean of condition scores.
func (p Pattern) match(f Features) float64 {
	var score, total float64
	for _, c := range p.Conditions {
		score += c.eval(f) * c.Weight
		total += c.Weight
	}
	if total == 0 {
		return 0
	}
	return score / total
}

// Recommendation is a pattern that matched a context.
type Recommendation struct {
	PatternID  string      `json:"pattern_id"`
	Kind       PatternKind `json:"kind"`
	Action     Action      `json:"action"`
	Confidence float64     `json:"confidence"`
	Match      float64     `json:"match"`
}

// FeatureImportance is the running correlation of a feature with success.
type FeatureImportance struct {
	Feature     string  `json:"feature"`
	Importance  float64 `json:"importance"`
	Correlation float64 `json:"correlation"`
	Updates     int     `json:"updates"`
}

// Stats summarises the learner.
type Stats struct {
	TotalLearned         int       `json:"total_executions_learned"`
	HistorySize          int       `json:"history_size"`
	Patterns             int       `json:"patterns_discovered"`
	OptimizationsApplied int       `json:"optimizations_applied"`
	ModelConfidence      float64   `json:"model_confidence"`
	Cycles               int       `json:"cycles"`
	LastCycle            time.Time `json:"last_cycle"`
}
