package schemas

import (
	"context"
	"time"
)

// -- LLM Provider Capability --

// Provider is the capability every language model backend exposes to the
// decision step. Each call reports its cost through CallMeta.
type Provider interface {
	Name() string
	UnderstandIntent(ctx context.Context, input string, ictx IntentContext) (Intent, CallMeta, error)
	CreatePlan(ctx context.Context, intent Intent, pctx PlanContext) (Plan, CallMeta, error)
	GenerateCreative(ctx context.Context, problem string, constraints []string) (Solution, CallMeta, error)
	HealthCheck(ctx context.Context) (Health, error)
}

// CallMeta is the accounting attached to every provider response.
type CallMeta struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model,omitempty"`
	Tokens   int           `json:"tokens"`
	CostUSD  float64       `json:"cost_usd"`
	Latency  time.Duration `json:"latency"`
}

// IntentContext is the page-level context handed to intent understanding.
type IntentContext struct {
	PageURL      string   `json:"page_url"`
	PageTitle    string   `json:"page_title,omitempty"`
	PageType     string   `json:"page_type,omitempty"`
	VisibleTexts []string `json:"visible_texts,omitempty"`
	Selectors    []string `json:"selectors,omitempty"`
}

// Intent is the provider's reading of what the user wants.
type Intent struct {
	Type       string            `json:"type"`
	Target     string            `json:"target,omitempty"`
	Value      string            `json:"value,omitempty"`
	Entities   map[string]string `json:"entities,omitempty"`
	Confidence float64           `json:"confidence"`
}

// PlanContext carries the candidates a plan may reference.
type PlanContext struct {
	IntentContext
	Goal        string   `json:"goal"`
	Constraints []string `json:"constraints,omitempty"`
}

// PlannedAction is a single concrete browser action proposed by a provider.
type PlannedAction struct {
	ActionType string            `json:"action_type"`
	Selector   string            `json:"selector,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Confidence float64           `json:"confidence"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

// Plan is an ordered list of actions; the first is the recommendation.
type Plan struct {
	Actions    []PlannedAction `json:"actions"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning,omitempty"`
}

// Solution is the answer to a free form problem.
type Solution struct {
	Approach   string   `json:"approach"`
	Steps      []string `json:"steps,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Health is the result of a provider health probe.
type Health struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}
