// Package workflow loads workflow templates and runs them against a leased
// browser handle.
package workflow

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// StepKind selects the action a step performs.
type StepKind string

const (
	KindNavigate   StepKind = "navigate"
	KindWait       StepKind = "wait"
	KindClick      StepKind = "click"
	KindType       StepKind = "type"
	KindSelect     StepKind = "select"
	KindSmartFill  StepKind = "smart_fill"
	KindScreenshot StepKind = "screenshot"
	KindScript     StepKind = "script"
	KindExtract    StepKind = "extract"
	KindValidate   StepKind = "validate"
	KindDecide     StepKind = "decide"
	KindBranch     StepKind = "branch"
	KindLoop       StepKind = "loop"
	KindParallel   StepKind = "parallel"
	KindCustom     StepKind = "custom"
)

// EndStep is a transition target that finishes the workflow.
const EndStep = "$end"

// Case is one arm of a branch step.
type Case struct {
	When   Condition `yaml:"when" json:"when"`
	Target string    `yaml:"target" json:"target"`
}

// Params holds the action parameters. Which keys a kind reads:
//
//	navigate    url
//	wait        duration_ms | selector, strategy
//	click       selector | description, button, modifiers
//	type        selector | description, text, clear_first
//	select      selector | description, value
//	smart_fill  form_data
//	screenshot  full_page, format
//	script      src, store_as
//	extract     selector and/or pattern, attr, store_as
//	validate    condition
//	decide      goal, constraints, tier, store_as
//	branch      cases, default
//	loop        body, times | while, max_iterations
//	parallel    branches
//	custom      action, args
type Params struct {
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	DurationMS int                  `yaml:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	Selector   string               `yaml:"selector,omitempty" json:"selector,omitempty"`
	Strategy   schemas.WaitStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Button      schemas.MouseButton `yaml:"button,omitempty" json:"button,omitempty"`
	Modifiers   []string            `yaml:"modifiers,omitempty" json:"modifiers,omitempty"`

	Text       string `yaml:"text,omitempty" json:"text,omitempty"`
	ClearFirst *bool  `yaml:"clear_first,omitempty" json:"clear_first,omitempty"`
	Value      string `yaml:"value,omitempty" json:"value,omitempty"`

	FormData map[string]string `yaml:"form_data,omitempty" json:"form_data,omitempty"`

	FullPage bool   `yaml:"full_page,omitempty" json:"full_page,omitempty"`
	Format   string `yaml:"format,omitempty" json:"format,omitempty"`

	Src     string `yaml:"src,omitempty" json:"src,omitempty"`
	StoreAs string `yaml:"store_as,omitempty" json:"store_as,omitempty"`
	Attr    string `yaml:"attr,omitempty" json:"attr,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	Condition *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`

	Goal        string   `yaml:"goal,omitempty" json:"goal,omitempty"`
	Constraints []string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Tier        string   `yaml:"tier,omitempty" json:"tier,omitempty"`

	Cases   []Case `yaml:"cases,omitempty" json:"cases,omitempty"`
	Default string `yaml:"default,omitempty" json:"default,omitempty"`

	Body          []string   `yaml:"body,omitempty" json:"body,omitempty"`
	Times         int        `yaml:"times,omitempty" json:"times,omitempty"`
	While         *Condition `yaml:"while,omitempty" json:"while,omitempty"`
	MaxIterations int        `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`

	Branches [][]string `yaml:"branches,omitempty" json:"branches,omitempty"`

	Action string            `yaml:"action,omitempty" json:"action,omitempty"`
	Args   map[string]string `yaml:"args,omitempty" json:"args,omitempty"`
}

// target is the element a click/type/select step acts on.
func (p Params) target() string {
	if p.Selector != "" {
		return p.Selector
	}
	return p.Description
}

// RetryPolicy controls how a failed action is retried before on_failure
// applies.
type RetryPolicy struct {
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	Delay       time.Duration `yaml:"delay" json:"delay"`
	Exponential bool          `yaml:"exponential,omitempty" json:"exponential,omitempty"`
	MaxDelay    time.Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	// RetryOn limits retries to these error kinds. Empty retries every
	// retryable kind.
	RetryOn []schemas.ErrorKind `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`
}

// backoff returns the wait before retry n, counting from 1.
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.Delay
	if p.Exponential && n > 1 {
		for i := 1; i < n; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// allows reports whether err may be retried under the policy.
func (p RetryPolicy) allows(err error) bool {
	if !schemas.Retryable(err) {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	kind := schemas.KindOf(err)
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// FailureAction is what happens once retries are exhausted.
type FailureAction string

const (
	FailStop     FailureAction = "stop"
	FailContinue FailureAction = "continue"
	FailJump     FailureAction = "jump"
	FailRecovery FailureAction = "recovery"
	FailIgnore   FailureAction = "ignore"
)

// FailurePolicy is a step's on_failure. In YAML it is either a bare action
// ("stop", "continue", "ignore") or a mapping with a jump target or recovery
// steps.
type FailurePolicy struct {
	Action FailureAction `yaml:"action" json:"action"`
	Target string        `yaml:"target,omitempty" json:"target,omitempty"`
	Steps  []string      `yaml:"steps,omitempty" json:"steps,omitempty"`
}

func (f *FailurePolicy) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		f.Action = FailureAction(strings.ToLower(strings.TrimSpace(value.Value)))
		return nil
	}
	type plain FailurePolicy
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*f = FailurePolicy(p)
	f.Action = FailureAction(strings.ToLower(string(f.Action)))
	return nil
}

func (f FailurePolicy) action() FailureAction {
	if f.Action == "" {
		return FailStop
	}
	return f.Action
}

// Transition is a conditional on_success edge. A transition without When is
// the default target.
type Transition struct {
	Target string     `yaml:"target" json:"target"`
	When   *Condition `yaml:"when,omitempty" json:"when,omitempty"`
}

// Step is one node of the step graph.
type Step struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name,omitempty" json:"name,omitempty"`
	Kind          StepKind      `yaml:"kind" json:"kind"`
	Params        Params        `yaml:"params,omitempty" json:"params,omitempty"`
	Preconditions []Condition   `yaml:"preconditions,omitempty" json:"preconditions,omitempty"`
	Retry         *RetryPolicy  `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnSuccess     []Transition  `yaml:"on_success,omitempty" json:"on_success,omitempty"`
	OnFailure     FailurePolicy `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	// Next overrides the default next step, which is otherwise the following
	// top-level step in the template.
	Next    string            `yaml:"next,omitempty" json:"next,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Vars    map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
}

// Parameter declares a template input.
type Parameter struct {
	Name     string `yaml:"name" json:"name"`
	Default  string `yaml:"default,omitempty" json:"default,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// ErrorHandling is template-wide failure behaviour.
type ErrorHandling struct {
	// DisableRecovery skips the recovery manager for failures on_failure
	// would stop on.
	DisableRecovery bool `yaml:"disable_recovery,omitempty" json:"disable_recovery,omitempty"`
	// ScreenshotOnFailure attaches a screenshot to failed step runs.
	ScreenshotOnFailure bool `yaml:"screenshot_on_failure,omitempty" json:"screenshot_on_failure,omitempty"`
}

// Template is a reusable workflow definition.
type Template struct {
	ID              string            `yaml:"id" json:"id"`
	Name            string            `yaml:"name,omitempty" json:"name,omitempty"`
	Version         string            `yaml:"version,omitempty" json:"version,omitempty"`
	Description     string            `yaml:"description,omitempty" json:"description,omitempty"`
	TaskType        string            `yaml:"task_type,omitempty" json:"task_type,omitempty"`
	Intent          string            `yaml:"intent,omitempty" json:"intent,omitempty"`
	Parameters      []Parameter       `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Steps           []Step            `yaml:"steps" json:"steps"`
	InitialStep     string            `yaml:"initial_step,omitempty" json:"initial_step,omitempty"`
	Globals         map[string]string `yaml:"globals,omitempty" json:"globals,omitempty"`
	ErrorHandling   ErrorHandling     `yaml:"error_handling,omitempty" json:"error_handling,omitempty"`
	SuccessCriteria []Condition       `yaml:"success_criteria,omitempty" json:"success_criteria,omitempty"`
	TotalTimeout    time.Duration     `yaml:"total_timeout,omitempty" json:"total_timeout,omitempty"`
	// MaxRetries applies to steps that carry no retry policy of their own.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// LoadTemplate decodes a YAML template and validates it. Unknown keys are
// rejected.
func LoadTemplate(r io.Reader) (*Template, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var t Template
	if err := dec.Decode(&t); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schemas.NewError(schemas.KindValidationFailed, "workflow.LoadTemplate", "empty template", nil)
		}
		return nil, schemas.NewError(schemas.KindValidationFailed, "workflow.LoadTemplate", "invalid template yaml", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// step returns the step with the given id.
func (t *Template) step(id string) (*Step, bool) {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i], true
		}
	}
	return nil, false
}

// nested returns the ids of steps that only run inside a loop, parallel or
// recovery step. They are not part of the top-level sequence.
func (t *Template) nested() map[string]bool {
	out := make(map[string]bool)
	for _, s := range t.Steps {
		for _, id := range s.Params.Body {
			out[id] = true
		}
		for _, b := range s.Params.Branches {
			for _, id := range b {
				out[id] = true
			}
		}
		if s.OnFailure.action() == FailRecovery {
			for _, id := range s.OnFailure.Steps {
				out[id] = true
			}
		}
	}
	return out
}

// first is the step execution starts at.
func (t *Template) first() string {
	if t.InitialStep != "" {
		return t.InitialStep
	}
	nested := t.nested()
	for _, s := range t.Steps {
		if !nested[s.ID] {
			return s.ID
		}
	}
	return ""
}

// defaultNext is where control goes after a step when no transition says
// otherwise. An empty result ends the workflow.
func (t *Template) defaultNext(id string) string {
	s, ok := t.step(id)
	if !ok {
		return ""
	}
	if s.Next != "" {
		if s.Next == EndStep {
			return ""
		}
		return s.Next
	}
	nested := t.nested()
	if nested[id] {
		return ""
	}
	found := false
	for _, c := range t.Steps {
		if found && !nested[c.ID] {
			return c.ID
		}
		if c.ID == id {
			found = true
		}
	}
	return ""
}

// edges lists the control-flow successors of a step.
func (t *Template) edges(s Step) []string {
	var out []string
	add := func(id string) {
		if id != "" && id != EndStep {
			out = append(out, id)
		}
	}
	add(t.defaultNext(s.ID))
	for _, tr := range s.OnSuccess {
		add(tr.Target)
	}
	if s.OnFailure.action() == FailJump {
		add(s.OnFailure.Target)
	}
	for _, c := range s.Params.Cases {
		add(c.Target)
	}
	add(s.Params.Default)
	return out
}

// Validate checks the template invariants: step ids are unique, every
// referenced step exists, each kind has its required parameters and the step
// graph has no cycle that does not pass through a loop step.
func (t *Template) Validate() error {
	fail := func(format string, args ...any) error {
		return schemas.NewError(schemas.KindValidationFailed, "workflow.Validate", fmt.Sprintf(format, args...), nil)
	}
	if t.ID == "" {
		return fail("template id is required")
	}
	if len(t.Steps) == 0 {
		return fail("template %q has no steps", t.ID)
	}

	ids := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.ID == "" {
			return fail("step without id")
		}
		if s.ID == EndStep {
			return fail("step id %q is reserved", EndStep)
		}
		if ids[s.ID] {
			return fail("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	exists := func(id string) bool { return id == EndStep || ids[id] }

	if t.InitialStep != "" && !ids[t.InitialStep] {
		return fail("initial step %q does not exist", t.InitialStep)
	}
	for _, p := range t.Parameters {
		if p.Name == "" {
			return fail("parameter without name")
		}
	}
	for _, c := range t.SuccessCriteria {
		if err := c.validate(); err != nil {
			return fail("success criteria: %v", err)
		}
	}

	for _, s := range t.Steps {
		if err := s.validateParams(); err != nil {
			return fail("step %q: %v", s.ID, err)
		}
		for _, c := range s.conditions() {
			if err := c.validate(); err != nil {
				return fail("step %q: %v", s.ID, err)
			}
		}
		refs := []string{s.Next, s.Params.Default}
		for _, tr := range s.OnSuccess {
			if tr.Target == "" {
				return fail("step %q: on_success entry without target", s.ID)
			}
			refs = append(refs, tr.Target)
		}
		for _, c := range s.Params.Cases {
			refs = append(refs, c.Target)
		}
		switch s.OnFailure.action() {
		case FailJump:
			if s.OnFailure.Target == "" {
				return fail("step %q: jump needs a target", s.ID)
			}
			refs = append(refs, s.OnFailure.Target)
		case FailRecovery:
			if len(s.OnFailure.Steps) == 0 {
				return fail("step %q: recovery needs steps", s.ID)
			}
		case FailStop, FailContinue, FailIgnore:
		default:
			return fail("step %q: unknown on_failure action %q", s.ID, s.OnFailure.Action)
		}
		for _, id := range refs {
			if id != "" && !exists(id) {
				return fail("step %q references unknown step %q", s.ID, id)
			}
		}
		subs := append([]string(nil), s.Params.Body...)
		for _, b := range s.Params.Branches {
			subs = append(subs, b...)
		}
		if s.OnFailure.action() == FailRecovery {
			subs = append(subs, s.OnFailure.Steps...)
		}
		for _, id := range subs {
			if !ids[id] {
				return fail("step %q references unknown step %q", s.ID, id)
			}
			if id == s.ID {
				return fail("step %q cannot contain itself", s.ID)
			}
		}
	}
	return t.checkCycles()
}

// conditions lists every condition the step carries.
func (s Step) conditions() []Condition {
	out := append([]Condition(nil), s.Preconditions...)
	for _, tr := range s.OnSuccess {
		if tr.When != nil {
			out = append(out, *tr.When)
		}
	}
	if s.Params.Condition != nil {
		out = append(out, *s.Params.Condition)
	}
	if s.Params.While != nil {
		out = append(out, *s.Params.While)
	}
	for _, c := range s.Params.Cases {
		out = append(out, c.When)
	}
	return out
}

func (s Step) validateParams() error {
	p := s.Params
	switch s.Kind {
	case KindNavigate:
		if p.URL == "" {
			return errors.New("navigate needs url")
		}
	case KindWait:
		if p.DurationMS <= 0 && p.Selector == "" {
			return errors.New("wait needs duration_ms or selector")
		}
		switch p.Strategy {
		case "", schemas.WaitVisible, schemas.WaitEnabled, schemas.WaitReady, schemas.WaitComplete:
		default:
			return fmt.Errorf("unknown wait strategy %q", p.Strategy)
		}
	case KindClick:
		if p.target() == "" {
			return errors.New("click needs selector or description")
		}
		switch p.Button {
		case "", schemas.ButtonLeft, schemas.ButtonMiddle, schemas.ButtonRight:
		default:
			return fmt.Errorf("unknown button %q", p.Button)
		}
		if _, err := parseModifiers(p.Modifiers); err != nil {
			return err
		}
	case KindType:
		if p.target() == "" {
			return errors.New("type needs selector or description")
		}
	case KindSelect:
		if p.target() == "" || p.Value == "" {
			return errors.New("select needs selector and value")
		}
	case KindSmartFill:
		if len(p.FormData) == 0 {
			return errors.New("smart_fill needs form_data")
		}
	case KindScreenshot:
		switch p.Format {
		case "", "png", "jpeg":
		default:
			return fmt.Errorf("unknown screenshot format %q", p.Format)
		}
	case KindScript:
		if p.Src == "" {
			return errors.New("script needs src")
		}
	case KindExtract:
		if p.Selector == "" && p.Pattern == "" {
			return errors.New("extract needs selector or pattern")
		}
	case KindValidate:
		if p.Condition == nil {
			return errors.New("validate needs condition")
		}
	case KindDecide:
		if p.Goal == "" {
			return errors.New("decide needs goal")
		}
	case KindBranch:
		if len(p.Cases) == 0 && p.Default == "" {
			return errors.New("branch needs cases or default")
		}
	case KindLoop:
		if len(p.Body) == 0 {
			return errors.New("loop needs body")
		}
		if p.Times <= 0 && p.While == nil {
			return errors.New("loop needs times or while")
		}
	case KindParallel:
		if len(p.Branches) == 0 {
			return errors.New("parallel needs branches")
		}
	case KindCustom:
		if p.Action == "" {
			return errors.New("custom needs action")
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}

// checkCycles runs Tarjan's algorithm over the step graph and rejects every
// strongly connected component without a loop step.
func (t *Template) checkCycles() error {
	index := make(map[string]int)
	low := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	next := 0
	var cycleErr error

	succ := make(map[string][]string, len(t.Steps))
	kinds := make(map[string]StepKind, len(t.Steps))
	for _, s := range t.Steps {
		succ[s.ID] = t.edges(s)
		kinds[s.ID] = s.Kind
	}

	var connect func(v string)
	connect = func(v string) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range succ[v] {
			if _, seen := index[w]; !seen {
				connect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		var comp []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		cyclic := len(comp) > 1
		if !cyclic {
			for _, w := range succ[v] {
				if w == v {
					cyclic = true
				}
			}
		}
		if !cyclic || cycleErr != nil {
			return
		}
		for _, w := range comp {
			if kinds[w] == KindLoop {
				return
			}
		}
		cycleErr = schemas.NewError(schemas.KindValidationFailed, "workflow.Validate",
			fmt.Sprintf("cycle without a loop step through %s", strings.Join(comp, ", ")), nil)
	}
	for _, s := range t.Steps {
		if _, seen := index[s.ID]; !seen {
			connect(s.ID)
		}
	}
	return cycleErr
}
