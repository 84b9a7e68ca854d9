package llmclient

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// MockProvider answers deterministically from its inputs. Equal inputs give
// equal outputs across runs.
type MockProvider struct {
	name    string
	latency time.Duration
	calls   atomic.Int64

	mu  sync.Mutex
	err error
}

// NewMockProvider returns a mock named name. latency is added to every call.
func NewMockProvider(name string, latency time.Duration) *MockProvider {
	if name == "" {
		name = "mock"
	}
	return &MockProvider{name: name, latency: latency}
}

func (m *MockProvider) Name() string { return m.name }

// Profile implements Profiled.
func (m *MockProvider) Profile() Profile {
	return Profile{ExpectedLatency: m.latency, Specializations: []Task{TaskIntent, TaskPlan}}
}

// FailWith makes every later call return err. nil restores normal answers.
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Calls counts every invocation, failed ones included.
func (m *MockProvider) Calls() int { return int(m.calls.Load()) }

func (m *MockProvider) enter(ctx context.Context) (time.Time, error) {
	m.calls.Add(1)
	start := time.Now()
	if m.latency > 0 {
		t := time.NewTimer(m.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return start, ctx.Err()
		case <-t.C:
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return start, m.err
}

func (m *MockProvider) meta(start time.Time, tokens int) schemas.CallMeta {
	return schemas.CallMeta{Provider: m.name, Model: "mock-model", Tokens: tokens, Latency: time.Since(start)}
}

// pick hashes key onto [0,n).
func pick(key string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

var intentKeywords = []struct {
	kind  string
	words []string
}{
	{"navigate", []string{"go to", "open", "visit", "navigate"}},
	{"search", []string{"search", "find", "look for"}},
	{"type", []string{"type", "enter", "fill", "write"}},
	{"extract", []string{"extract", "scrape", "collect", "read"}},
	{"click", []string{"click", "press", "tap", "select", "submit", "login", "log in", "sign in"}},
}

var cannedIntents = []string{"click", "navigate", "extract", "search"}

// UnderstandIntent classifies input by keyword, falling back to a hashed
// canned intent.
func (m *MockProvider) UnderstandIntent(ctx context.Context, input string, ictx schemas.IntentContext) (schemas.Intent, schemas.CallMeta, error) {
	start, err := m.enter(ctx)
	if err != nil {
		return schemas.Intent{}, m.meta(start, 0), err
	}
	lower := strings.ToLower(input)
	intent := schemas.Intent{Confidence: 0.6, Entities: map[string]string{}}
	for _, k := range intentKeywords {
		for _, w := range k.words {
			if strings.Contains(lower, w) {
				intent.Type = k.kind
				intent.Confidence = 0.85
				intent.Target = strings.TrimSpace(strings.SplitN(lower, w, 2)[1])
				break
			}
		}
		if intent.Type != "" {
			break
		}
	}
	if intent.Type == "type" {
		for _, sep := range []string{" into ", " in "} {
			if v, target, ok := strings.Cut(intent.Target, sep); ok {
				intent.Value, intent.Target = strings.Trim(v, `"' `), target
				break
			}
		}
	}
	if intent.Type == "" {
		intent.Type = cannedIntents[pick(input+"|"+ictx.PageURL, len(cannedIntents))]
	}
	if ictx.PageType != "" {
		intent.Entities["page_type"] = ictx.PageType
	}
	return intent, m.meta(start, len(input)/4), nil
}

// CreatePlan proposes an action on the candidate whose text overlaps the goal
// most. Without overlap the candidate is chosen by hash.
func (m *MockProvider) CreatePlan(ctx context.Context, intent schemas.Intent, pctx schemas.PlanContext) (schemas.Plan, schemas.CallMeta, error) {
	start, err := m.enter(ctx)
	if err != nil {
		return schemas.Plan{}, m.meta(start, 0), err
	}
	actionType := intent.Type
	switch actionType {
	case "", "search":
		actionType = "click"
	}

	if actionType == "navigate" && strings.Contains(intent.Target, "://") {
		return schemas.Plan{
			Actions: []schemas.PlannedAction{{
				ActionType: "navigate",
				Parameters: map[string]string{"url": intent.Target},
				Confidence: 0.9,
				Reasoning:  "goal names a URL",
			}},
			Confidence: 0.9,
		}, m.meta(start, 16), nil
	}
	if len(pctx.Selectors) == 0 {
		return schemas.Plan{
			Actions: []schemas.PlannedAction{{
				ActionType: "wait",
				Parameters: map[string]string{"ms": "500"},
				Confidence: 0.4,
				Reasoning:  "no actionable candidates on the page",
			}},
			Confidence: 0.4,
			Reasoning:  "mock plan: nothing to act on",
		}, m.meta(start, 16), nil
	}

	order := rankCandidates(pctx.Goal, pctx.Selectors, pctx.VisibleTexts)
	if order == nil {
		i := pick(pctx.Goal+"|"+pctx.PageURL, len(pctx.Selectors))
		order = append([]int{i}, others(i, len(pctx.Selectors))...)
	}
	plan := schemas.Plan{Confidence: 0.8, Reasoning: "mock plan for goal: " + pctx.Goal}
	for rank, i := range order {
		if rank >= 3 {
			break
		}
		a := schemas.PlannedAction{
			ActionType: actionType,
			Selector:   pctx.Selectors[i],
			Confidence: 0.8 - 0.15*float64(rank),
			Reasoning:  "candidate matches goal text",
		}
		if actionType == "type" && intent.Value != "" {
			a.Parameters = map[string]string{"text": intent.Value}
		}
		plan.Actions = append(plan.Actions, a)
	}
	return plan, m.meta(start, 64), nil
}

// rankCandidates orders candidates by how many goal words their text holds.
// nil means no candidate shares a word with the goal.
func rankCandidates(goal string, selectors, texts []string) []int {
	words := strings.Fields(strings.ToLower(goal))
	type scored struct{ i, n int }
	var hits []scored
	for i := range selectors {
		text := strings.ToLower(selectors[i])
		if i < len(texts) {
			text += " " + strings.ToLower(texts[i])
		}
		n := 0
		for _, w := range words {
			if len(w) > 2 && strings.Contains(text, w) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, scored{i, n})
		}
	}
	if len(hits) == 0 {
		return nil
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].n > hits[b].n })
	out := make([]int, len(hits))
	for k, h := range hits {
		out[k] = h.i
	}
	return out
}

func others(skip, n int) []int {
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if i != skip {
			out = append(out, i)
		}
	}
	return out
}

var cannedSolutions = []schemas.Solution{
	{Approach: "retry with a broader selector", Steps: []string{"widen the selector", "wait for network idle", "retry the action"}, Confidence: 0.6},
	{Approach: "navigate via the site menu", Steps: []string{"open the navigation menu", "follow the closest matching link"}, Confidence: 0.55},
	{Approach: "use the site search", Steps: []string{"locate the search box", "search for the target", "open the first result"}, Confidence: 0.5},
}

// GenerateCreative returns one of a fixed set of solutions, chosen by hash.
func (m *MockProvider) GenerateCreative(ctx context.Context, problem string, constraints []string) (schemas.Solution, schemas.CallMeta, error) {
	start, err := m.enter(ctx)
	if err != nil {
		return schemas.Solution{}, m.meta(start, 0), err
	}
	s := cannedSolutions[pick(problem+"|"+strings.Join(constraints, ","), len(cannedSolutions))]
	s.Steps = append([]string(nil), s.Steps...)
	return s, m.meta(start, 32), nil
}

func (m *MockProvider) HealthCheck(ctx context.Context) (schemas.Health, error) {
	start, err := m.enter(ctx)
	if err != nil {
		return schemas.Health{Healthy: false, Latency: time.Since(start), Message: err.Error()}, nil
	}
	return schemas.Health{Healthy: true, Latency: time.Since(start)}, nil
}
