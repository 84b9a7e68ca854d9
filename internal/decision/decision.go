// Package decision turns a perceived page and a goal into one recommended
// browser action plus ranked alternatives.
package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/perception"
)

const (
	// maxCandidates bounds the selectors offered to a provider.
	maxCandidates = 25
	// creativeBelow asks the provider for a free-form approach when the plan
	// is this uncertain.
	creativeBelow = 0.5
)

// ActionKinds are the action types a plan may recommend.
var ActionKinds = map[string]bool{
	"navigate": true,
	"click":    true,
	"type":     true,
	"select":   true,
	"wait":     true,
	"scroll":   true,
	"extract":  true,
	"submit":   true,
}

// Goal is what the caller wants to achieve on the current page.
type Goal struct {
	Text        string   `json:"text" yaml:"text"`
	Constraints []string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// Alternative is a lower-ranked action from the same plan.
type Alternative struct {
	ActionType     string            `json:"action_type"`
	TargetSelector string            `json:"target_selector,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Confidence     float64           `json:"confidence"`
}

// Usage totals provider accounting over one decision.
type Usage struct {
	Providers []string      `json:"providers"`
	Tokens    int           `json:"tokens"`
	CostUSD   float64       `json:"cost_usd"`
	Latency   time.Duration `json:"latency"`
}

func (u *Usage) add(meta schemas.CallMeta) {
	if meta.Provider != "" {
		u.Providers = append(u.Providers, meta.Provider)
	}
	u.Tokens += meta.Tokens
	u.CostUSD += meta.CostUSD
	u.Latency += meta.Latency
}

// Decision is the recommended action.
type Decision struct {
	ActionType     string            `json:"action_type"`
	TargetSelector string            `json:"target_selector,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Confidence     float64           `json:"confidence"`
	Reasoning      string            `json:"reasoning,omitempty"`
	Alternatives   []Alternative     `json:"alternative_actions"`
	Intent         schemas.Intent    `json:"intent"`
	Creative       *schemas.Solution `json:"creative,omitempty"`
	Usage          Usage             `json:"usage"`
}

// Decider runs intent understanding then planning against a provider. In
// production the provider is the llmclient router, so fallback and breakers
// apply per call.
type Decider struct {
	provider schemas.Provider
	logger   *zap.Logger
}

// New returns a Decider over provider.
func New(provider schemas.Provider, logger *zap.Logger) (*Decider, error) {
	if provider == nil {
		return nil, fmt.Errorf("decision: provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decider{provider: provider, logger: logger.Named("decision")}, nil
}

// Decide recommends an action for goal on the page described by page. page
// may be nil, in which case the provider sees no candidates.
func (d *Decider) Decide(ctx context.Context, page *perception.Result, goal Goal) (*Decision, error) {
	if strings.TrimSpace(goal.Text) == "" {
		return nil, schemas.NewError(schemas.KindValidationFailed, "decision.decide", "goal is empty", nil)
	}
	ictx := BuildContext(page)
	var usage Usage

	intent, meta, err := d.provider.UnderstandIntent(ctx, goal.Text, ictx)
	usage.add(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to understand intent: %w", err)
	}

	pctx := schemas.PlanContext{IntentContext: ictx, Goal: goal.Text, Constraints: goal.Constraints}
	plan, meta, err := d.provider.CreatePlan(ctx, intent, pctx)
	usage.add(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}
	if len(plan.Actions) == 0 {
		return nil, schemas.NewError(schemas.KindInternal, "decision.decide", "provider returned an empty plan", nil)
	}
	actions, rejected := validActions(plan.Actions)
	if len(actions) == 0 {
		return nil, schemas.NewError(schemas.KindValidationFailed, "decision.decide",
			fmt.Sprintf("plan has no supported action (got %s)", strings.Join(rejected, ", ")), nil)
	}
	if len(rejected) > 0 {
		d.logger.Warn("Dropped unsupported plan actions", zap.Strings("action_types", rejected))
	}
	plan.Actions = actions

	known := make(map[string]bool, len(ictx.Selectors))
	for _, s := range ictx.Selectors {
		known[s] = true
	}

	best := plan.Actions[0]
	dec := &Decision{
		ActionType:     best.ActionType,
		TargetSelector: best.Selector,
		Parameters:     best.Parameters,
		Confidence:     actionConfidence(best, intent, known),
		Reasoning:      firstNonEmpty(best.Reasoning, plan.Reasoning),
		Alternatives:   make([]Alternative, 0, len(plan.Actions)-1),
		Intent:         intent,
	}
	for _, a := range plan.Actions[1:] {
		dec.Alternatives = append(dec.Alternatives, Alternative{
			ActionType:     a.ActionType,
			TargetSelector: a.Selector,
			Parameters:     a.Parameters,
			Confidence:     actionConfidence(a, intent, known),
		})
	}

	if dec.Confidence < creativeBelow {
		problem := fmt.Sprintf("Unsure how to %q on %s", goal.Text, ictx.PageURL)
		sol, meta, err := d.provider.GenerateCreative(ctx, problem, goal.Constraints)
		usage.add(meta)
		if err != nil {
			d.logger.Warn("Creative fallback failed; keeping low-confidence plan", zap.Error(err))
		} else {
			dec.Creative = &sol
		}
	}
	dec.Usage = usage

	d.logger.Debug("Decision made",
		zap.String("action", dec.ActionType),
		zap.String("selector", dec.TargetSelector),
		zap.Float64("confidence", dec.Confidence),
		zap.Strings("providers", usage.Providers))
	return dec, nil
}

// validActions keeps the actions whose type is one of ActionKinds, with the
// type normalised, and returns the types it dropped.
func validActions(in []schemas.PlannedAction) (kept []schemas.PlannedAction, rejected []string) {
	for _, a := range in {
		a.ActionType = strings.ToLower(strings.TrimSpace(a.ActionType))
		if !ActionKinds[a.ActionType] {
			rejected = append(rejected, fmt.Sprintf("%q", a.ActionType))
			continue
		}
		kept = append(kept, a)
	}
	return kept, rejected
}

// actionConfidence caps a provider's self-reported confidence. Selectors not
// offered in the page context are halved.
func actionConfidence(a schemas.PlannedAction, intent schemas.Intent, known map[string]bool) float64 {
	c := clamp(a.Confidence)
	if intent.Confidence > 0 {
		c = 0.8*c + 0.2*clamp(intent.Confidence)
	}
	if a.Selector != "" && len(known) > 0 && !known[a.Selector] {
		c *= 0.5
	}
	return c
}

// BuildContext summarises a perception result for a provider. Key elements
// come first, then interaction elements, then form fields.
func BuildContext(page *perception.Result) schemas.IntentContext {
	if page == nil {
		return schemas.IntentContext{}
	}
	ictx := schemas.IntentContext{PageURL: page.URL, PageTitle: page.Title}
	if page.PageModel != nil {
		ictx.PageType = page.PageModel.PageType
	}

	seen := make(map[string]bool)
	add := func(selector, text string) {
		if selector == "" || seen[selector] || len(ictx.Selectors) >= maxCandidates {
			return
		}
		seen[selector] = true
		ictx.Selectors = append(ictx.Selectors, selector)
		ictx.VisibleTexts = append(ictx.VisibleTexts, text)
	}
	for _, el := range page.KeyElements {
		if el.Visible {
			add(el.Selector, el.Text)
		}
	}
	for _, el := range page.InteractionElements {
		if el.Visible {
			add(el.Selector, el.Text)
		}
	}
	for _, f := range page.Forms {
		for _, field := range f.Fields {
			add(field.Selector, firstNonEmpty(field.Label, field.Placeholder, field.Name))
		}
		add(f.SubmitSelector, "submit")
	}
	return ictx
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
