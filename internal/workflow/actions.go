package workflow

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/decision"
	"github.com/xkilldash9x/webpilot/internal/perception"
	"github.com/xkilldash9x/webpilot/internal/resolver"
)

// stepEnv is what a handler sees of the running execution. The handle is
// always read from the lease since recovery may replace it.
type stepEnv struct {
	ex      *execution
	lease   *browser.Lease
	scope   *scope
	run     *StepRun
	timeout time.Duration
	// jump is set by branch steps to override the next step.
	jump string
}

func (e *stepEnv) handle() schemas.BrowserHandle { return e.lease.Handle() }

type stepHandler func(ctx context.Context, env *stepEnv, step *Step, p Params) error

func (o *Orchestrator) registerHandlers() {
	o.handlers = map[StepKind]stepHandler{
		KindNavigate:   o.navigate,
		KindWait:       o.wait,
		KindClick:      o.click,
		KindType:       o.typeText,
		KindSelect:     o.selectOption,
		KindSmartFill:  o.smartFill,
		KindScreenshot: o.screenshot,
		KindScript:     o.script,
		KindExtract:    o.extract,
		KindValidate:   o.validate,
		KindDecide:     o.decide,
		KindBranch:     o.branch,
		KindLoop:       o.loopStep,
		KindParallel:   o.parallel,
		KindCustom:     o.customStep,
	}
}

func (o *Orchestrator) navigate(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	start := o.now()
	if err := env.handle().Navigate(ctx, p.URL); err != nil {
		return err
	}
	d := o.now().Sub(start)
	env.ex.noteNavigation(p.URL, d)
	env.run.output("url", p.URL)
	env.run.action("navigated to %s", p.URL)
	return nil
}

func (o *Orchestrator) wait(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	if p.Selector == "" {
		d := time.Duration(p.DurationMS) * time.Millisecond
		env.run.action("waited %v", d)
		return o.sleep(ctx, d)
	}
	strategy := p.Strategy
	if strategy == "" {
		strategy = schemas.WaitVisible
	}
	timeout := env.timeout
	if p.DurationMS > 0 {
		timeout = time.Duration(p.DurationMS) * time.Millisecond
	}
	if err := env.handle().WaitForSelector(ctx, p.Selector, strategy, timeout); err != nil {
		return err
	}
	env.run.action("waited for %s to be %s", p.Selector, strategy)
	return nil
}

// locate turns a click/type/select target into a selector. Targets that
// already look like CSS are used as is; descriptions go through the resolver.
func (o *Orchestrator) locate(ctx context.Context, env *stepEnv, target string) (string, error) {
	if resolver.LooksLikeSelector(target) {
		return target, nil
	}
	res, err := env.ex.resolver.Resolve(ctx, env.handle(), target, env.ex.currentPage())
	if err != nil {
		return "", err
	}
	env.run.output("resolved_selector", res.Selector)
	env.run.output("resolution_source", string(res.Source))
	env.run.action("resolved %q to %s (%.2f)", target, res.Selector, res.Confidence)
	return res.Selector, nil
}

// pageURL is the URL an interaction starts on, or "" when site context is
// not being kept.
func (o *Orchestrator) pageURL(ctx context.Context, env *stepEnv) string {
	if o.scheduler == nil {
		return ""
	}
	u, err := env.handle().CurrentURL(ctx)
	if err != nil {
		return ""
	}
	return u
}

// noteSite feeds the outcome of an interaction into the site context that
// Deep perception reranks elements with.
func (o *Orchestrator) noteSite(pageURL, sel string, err error) {
	if o.scheduler == nil || pageURL == "" {
		return
	}
	if err != nil {
		o.scheduler.Sites().RecordFailure(pageURL, sel)
		return
	}
	o.scheduler.Sites().RecordSuccess(pageURL, sel)
}

func (o *Orchestrator) click(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	sel, err := o.locate(ctx, env, p.target())
	if err != nil {
		return err
	}
	mods, err := parseModifiers(p.Modifiers)
	if err != nil {
		return schemas.NewError(schemas.KindValidationFailed, "workflow.click", err.Error(), nil)
	}
	button := p.Button
	if button == "" {
		button = schemas.ButtonLeft
	}
	at := o.pageURL(ctx, env)
	err = env.handle().Click(ctx, sel, schemas.ClickOptions{Button: button, Modifiers: mods})
	o.noteSite(at, sel, err)
	if err != nil {
		return err
	}
	env.ex.resolver.NoteClicked(sel)
	env.ex.mu.Lock()
	env.ex.page = nil
	env.ex.mu.Unlock()
	env.run.action("clicked %s", sel)
	return nil
}

func (o *Orchestrator) typeText(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	sel, err := o.locate(ctx, env, p.target())
	if err != nil {
		return err
	}
	clearFirst := p.ClearFirst == nil || *p.ClearFirst
	at := o.pageURL(ctx, env)
	err = env.handle().Type(ctx, sel, p.Text, clearFirst)
	o.noteSite(at, sel, err)
	if err != nil {
		return err
	}
	env.ex.resolver.NoteTyped(sel)
	env.run.action("typed %d characters into %s", len(p.Text), sel)
	return nil
}

func (o *Orchestrator) selectOption(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	sel, err := o.locate(ctx, env, p.target())
	if err != nil {
		return err
	}
	at := o.pageURL(ctx, env)
	err = env.handle().Select(ctx, sel, p.Value)
	o.noteSite(at, sel, err)
	if err != nil {
		return err
	}
	env.ex.resolver.NoteTyped(sel)
	env.run.action("selected %q in %s", p.Value, sel)
	return nil
}

func (o *Orchestrator) screenshot(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	format := p.Format
	if format == "" {
		format = "png"
	}
	img, err := env.handle().Screenshot(ctx, schemas.ScreenshotOptions{FullPage: p.FullPage, Format: format})
	if err != nil {
		return err
	}
	env.run.output("bytes", strconv.Itoa(len(img)))
	if o.cfg.CaptureScreenshots {
		env.run.output("screenshot", base64.StdEncoding.EncodeToString(img))
	}
	env.run.action("captured %s screenshot", format)
	return nil
}

// attachScreenshot records a failure screenshot on a best effort basis.
func (o *Orchestrator) attachScreenshot(ctx context.Context, env *stepEnv, run *StepRun) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	img, err := env.handle().Screenshot(sctx, schemas.ScreenshotOptions{Format: "png"})
	if err != nil {
		env.ex.log.Debug("Failure screenshot not captured", zap.String("step_id", run.StepID), zap.Error(err))
		return
	}
	run.output("failure_screenshot", base64.StdEncoding.EncodeToString(img))
}

func (o *Orchestrator) script(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	raw, err := env.handle().ExecuteScript(ctx, p.Src)
	if err != nil {
		return err
	}
	v, _ := scalar(raw)
	env.run.output("result", v)
	if p.StoreAs != "" {
		env.ex.state.SetVar(p.StoreAs, v)
	}
	return nil
}

// extract reads text or an attribute, optionally narrowed by the first
// submatch of pattern. Without a selector the pattern runs over the page HTML.
func (o *Orchestrator) extract(ctx context.Context, env *stepEnv, step *Step, p Params) error {
	var source string
	if p.Selector != "" {
		els, err := env.handle().FindElements(ctx, p.Selector)
		if err != nil {
			return err
		}
		if len(els) == 0 {
			return schemas.NewError(schemas.KindNotFound, "workflow.extract", fmt.Sprintf("no element matches %s", p.Selector), nil)
		}
		if p.Attr != "" {
			v, ok := els[0].Attributes[p.Attr]
			if !ok {
				return schemas.NewError(schemas.KindNotFound, "workflow.extract", fmt.Sprintf("%s has no attribute %q", p.Selector, p.Attr), nil)
			}
			source = v
		} else {
			source = strings.TrimSpace(els[0].Text)
		}
	} else {
		raw, err := env.handle().ExecuteScript(ctx, schemas.ScriptOuterHTML)
		if err != nil {
			return err
		}
		source, _ = scalar(raw)
	}

	value := source
	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return schemas.NewError(schemas.KindValidationFailed, "workflow.extract", fmt.Sprintf("invalid pattern %q", p.Pattern), err)
		}
		m := re.FindStringSubmatch(source)
		switch {
		case m == nil:
			return schemas.NewError(schemas.KindNotFound, "workflow.extract", fmt.Sprintf("pattern %q did not match", p.Pattern), nil)
		case len(m) > 1:
			value = m[1]
		default:
			value = m[0]
		}
	}
	name := p.StoreAs
	if name == "" {
		name = step.ID
	}
	env.ex.state.SetVar(name, value)
	env.run.output("value", value)
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	ev := evaluator{h: env.handle(), scope: env.scope, prev: env.ex.state.last()}
	ok, err := ev.eval(ctx, *p.Condition)
	if err != nil {
		return err
	}
	if !ok {
		return schemas.NewError(schemas.KindValidationFailed, "workflow.validate", fmt.Sprintf("%s does not hold", p.Condition), nil)
	}
	env.run.action("validated %s", p.Condition)
	return nil
}

// perceive runs perception on the current page and remembers the result for
// the resolver and the learner.
func (o *Orchestrator) perceive(ctx context.Context, env *stepEnv, tier perception.Tier, intent string) (*perception.Result, error) {
	if o.scheduler == nil {
		return nil, nil
	}
	url, err := env.handle().CurrentURL(ctx)
	if err != nil {
		return nil, err
	}
	req := perception.Request{
		URL:  url,
		Tier: tier,
		Context: perception.TaskContext{
			TaskType:   perception.ParseTaskType(env.ex.tmpl.TaskType),
			Priority:   perception.PriorityNormal,
			RetryCount: env.run.RetriesUsed,
			Intent:     intent,
		},
	}
	start := o.now()
	res, err := o.scheduler.Schedule(ctx, env.handle(), req)
	if err != nil {
		return nil, err
	}
	env.ex.notePerception(res, o.now().Sub(start))
	if res.PageModel != nil {
		env.ex.resolver.SetPageType(res.PageModel.PageType)
	}
	env.run.output("tier", res.TierActual.String())
	return res, nil
}

// decide asks the decision step for the next action and stores it as vars
// <name>, <name>.action and <name>.confidence.
func (o *Orchestrator) decide(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	if o.decider == nil {
		return schemas.NewError(schemas.KindInternal, "workflow.decide", "no decision provider configured", nil)
	}
	tier := perception.Adaptive
	if p.Tier != "" {
		t, err := perception.ParseTier(p.Tier)
		if err != nil {
			return schemas.NewError(schemas.KindValidationFailed, "workflow.decide", err.Error(), err)
		}
		tier = t
	}
	page, err := o.perceive(ctx, env, tier, p.Goal)
	if err != nil {
		return err
	}
	d, err := o.decider.Decide(ctx, page, decision.Goal{Text: p.Goal, Constraints: p.Constraints})
	if err != nil {
		return err
	}
	name := p.StoreAs
	if name == "" {
		name = "decision"
	}
	st := env.ex.state
	st.SetVar(name, d.TargetSelector)
	st.SetVar(name+".action", d.ActionType)
	st.SetVar(name+".confidence", strconv.FormatFloat(d.Confidence, 'f', 2, 64))
	env.run.output("action", d.ActionType)
	env.run.output("target", d.TargetSelector)
	env.run.action("decided %s %s (%.2f)", d.ActionType, d.TargetSelector, d.Confidence)
	return nil
}

// branch evaluates cases in order and jumps to the first match, then to
// default. With neither, the step falls through to its normal successor.
func (o *Orchestrator) branch(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	ev := evaluator{h: env.handle(), scope: env.scope, prev: env.ex.state.last()}
	for i, c := range p.Cases {
		ok, err := ev.eval(ctx, c.When)
		if err != nil {
			return err
		}
		if ok {
			env.jump = c.Target
			env.run.output("case", strconv.Itoa(i))
			env.run.action("branch %s -> %s", c.When, c.Target)
			return nil
		}
	}
	if p.Default != "" {
		env.jump = p.Default
		env.run.output("case", "default")
		env.run.action("branch default -> %s", p.Default)
	}
	return nil
}

func parseModifiers(names []string) (schemas.KeyModifier, error) {
	var m schemas.KeyModifier
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "alt":
			m |= schemas.ModAlt
		case "ctrl", "control":
			m |= schemas.ModCtrl
		case "meta", "cmd", "command":
			m |= schemas.ModMeta
		case "shift":
			m |= schemas.ModShift
		default:
			return 0, fmt.Errorf("unknown modifier %q", n)
		}
	}
	return m, nil
}
