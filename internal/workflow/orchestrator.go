package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/bus"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/decision"
	"github.com/xkilldash9x/webpilot/internal/learner"
	"github.com/xkilldash9x/webpilot/internal/metrics"
	"github.com/xkilldash9x/webpilot/internal/perception"
	"github.com/xkilldash9x/webpilot/internal/recovery"
	"github.com/xkilldash9x/webpilot/internal/resolver"
)

const (
	lowSuccessRate = 0.8
	slowStep       = 5 * time.Second
)

// Advisor serves learned recommendations. *learner.Learner satisfies it.
type Advisor interface {
	Recommendations(learner.Features) []learner.Recommendation
}

// SnapshotSink persists execution snapshots after every step.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

// CustomAction implements a custom step. Returned values are stored as
// workflow vars.
type CustomAction func(ctx context.Context, h schemas.BrowserHandle, args map[string]string) (map[string]string, error)

// Orchestrator runs templates. It is safe for concurrent use; each
// execution leases its own browser handle and gets its own resolver session.
type Orchestrator struct {
	cfg         config.WorkflowConfig
	resolverCfg config.ResolverConfig
	pool        *browser.Pool
	scheduler   *perception.Scheduler
	decider     *decision.Decider
	recovery    *recovery.Manager
	advisor     Advisor
	bus         *bus.EventBus
	snapshots   SnapshotSink
	metrics     *metrics.Metrics
	logger      *zap.Logger

	handlers map[StepKind]stepHandler
	customMu sync.RWMutex
	custom   map[string]CustomAction

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithScheduler enables perception for decide steps and resolver context.
func WithScheduler(s *perception.Scheduler) Option { return func(o *Orchestrator) { o.scheduler = s } }

// WithDecider enables decide steps.
func WithDecider(d *decision.Decider) Option { return func(o *Orchestrator) { o.decider = d } }

// WithRecovery consults m for failures on_failure would stop on.
func WithRecovery(m *recovery.Manager) Option { return func(o *Orchestrator) { o.recovery = m } }

// WithAdvisor merges learned recommendations into execution results.
func WithAdvisor(a Advisor) Option { return func(o *Orchestrator) { o.advisor = a } }

// WithBus publishes step and workflow events on b.
func WithBus(b *bus.EventBus) Option { return func(o *Orchestrator) { o.bus = b } }

// WithSnapshots saves a snapshot after every step.
func WithSnapshots(s SnapshotSink) Option { return func(o *Orchestrator) { o.snapshots = s } }

// WithMetrics records step and workflow outcomes on m.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithResolverConfig sets the configuration of per-execution resolvers.
func WithResolverConfig(cfg config.ResolverConfig) Option {
	return func(o *Orchestrator) { o.resolverCfg = cfg }
}

// WithCustomAction registers a custom step implementation.
func WithCustomAction(name string, fn CustomAction) Option {
	return func(o *Orchestrator) { o.custom[name] = fn }
}

// New builds an orchestrator over pool.
func New(cfg config.WorkflowConfig, pool *browser.Pool, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if pool == nil {
		return nil, errors.New("browser pool cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	def := config.NewDefaultConfig()
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.Workflow().MaxParallel
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = def.Workflow().DefaultStepTimeout
	}
	if cfg.MaxLoopIterations <= 0 {
		cfg.MaxLoopIterations = def.Workflow().MaxLoopIterations
	}
	o := &Orchestrator{
		cfg:         cfg,
		resolverCfg: def.Resolver(),
		pool:        pool,
		logger:      logger.With(zap.String("component", "workflow_orchestrator")),
		custom:      make(map[string]CustomAction),
		sleep:       sleepCtx,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.registerHandlers()
	return o, nil
}

// RegisterCustomAction adds or replaces a custom step implementation.
func (o *Orchestrator) RegisterCustomAction(name string, fn CustomAction) {
	o.customMu.Lock()
	o.custom[name] = fn
	o.customMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execution is one run of a template.
type execution struct {
	tmpl     *Template
	state    *State
	scope    *scope
	resolver *resolver.Resolver
	lease    *browser.Lease
	log      *zap.Logger

	mu             sync.Mutex
	page           *perception.Result
	lastPage       *perception.Result
	perceptionTime time.Duration
	pageLoad       time.Duration
	lastURL        string
	recovered      bool
	recoveryIDs    []string
}

func (ex *execution) currentPage() *perception.Result {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.page
}

func (ex *execution) url() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.lastURL
}

func (ex *execution) noteNavigation(url string, d time.Duration) {
	ex.mu.Lock()
	ex.lastURL = url
	ex.pageLoad = d
	ex.page = nil
	ex.mu.Unlock()
}

func (ex *execution) notePerception(r *perception.Result, d time.Duration) {
	ex.mu.Lock()
	ex.page = r
	ex.lastPage = r
	ex.perceptionTime += d
	if r.URL != "" {
		ex.lastURL = r.URL
	}
	ex.mu.Unlock()
}

// Execute validates tmpl and runs it from its initial step. The returned
// error is non-nil only when the run could not start; workflow failures are
// reported through the result status.
func (o *Orchestrator) Execute(ctx context.Context, tmpl *Template, params map[string]string) (*ExecutionResult, error) {
	return o.ExecuteID(ctx, uuid.NewString(), tmpl, params)
}

// ExecuteID is Execute with a caller-chosen execution id.
func (o *Orchestrator) ExecuteID(ctx context.Context, id string, tmpl *Template, params map[string]string) (*ExecutionResult, error) {
	if tmpl == nil {
		return nil, schemas.NewError(schemas.KindValidationFailed, "workflow.Execute", "template is nil", nil)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	resolved, err := resolveParams(tmpl, params)
	if err != nil {
		return nil, err
	}
	ex := o.newExecution(tmpl, newState(id, tmpl.ID, tmpl.Globals, o.now()), resolved)
	return o.run(ctx, ex, tmpl.first()), nil
}

// Resume continues a snapshot of an execution of tmpl from its current step.
func (o *Orchestrator) Resume(ctx context.Context, tmpl *Template, snap Snapshot, params map[string]string) (*ExecutionResult, error) {
	if tmpl == nil {
		return nil, schemas.NewError(schemas.KindValidationFailed, "workflow.Resume", "template is nil", nil)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	if snap.Version != SnapshotVersion {
		return nil, schemas.NewError(schemas.KindValidationFailed, "workflow.Resume", fmt.Sprintf("unsupported snapshot version %d", snap.Version), nil)
	}
	if snap.WorkflowID != tmpl.ID {
		return nil, schemas.NewError(schemas.KindValidationFailed, "workflow.Resume",
			fmt.Sprintf("snapshot belongs to workflow %q, not %q", snap.WorkflowID, tmpl.ID), nil)
	}
	if snap.CurrentStep != "" {
		if _, ok := tmpl.step(snap.CurrentStep); !ok {
			return nil, schemas.NewError(schemas.KindValidationFailed, "workflow.Resume", fmt.Sprintf("snapshot step %q does not exist", snap.CurrentStep), nil)
		}
	}
	resolved, err := resolveParams(tmpl, params)
	if err != nil {
		return nil, err
	}
	if snap.ExecutionID == "" {
		snap.ExecutionID = uuid.NewString()
	}
	ex := o.newExecution(tmpl, stateFromSnapshot(snap), resolved)
	ex.log.Info("Resuming workflow", zap.String("step", snap.CurrentStep), zap.Int("history", len(snap.History)))
	return o.run(ctx, ex, snap.CurrentStep), nil
}

func resolveParams(t *Template, in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in)+len(t.Parameters))
	for _, p := range t.Parameters {
		if p.Default != "" {
			out[p.Name] = p.Default
		}
	}
	for k, v := range in {
		out[k] = v
	}
	for _, p := range t.Parameters {
		if _, ok := out[p.Name]; p.Required && !ok {
			return nil, schemas.NewError(schemas.KindValidationFailed, "workflow.Execute", fmt.Sprintf("missing required parameter %q", p.Name), nil)
		}
	}
	return out, nil
}

func (o *Orchestrator) newExecution(tmpl *Template, st *State, params map[string]string) *execution {
	log := o.logger.With(zap.String("workflow_id", tmpl.ID), zap.String("execution_id", st.ExecutionID()))
	return &execution{
		tmpl:     tmpl,
		state:    st,
		scope:    &scope{state: st, params: params},
		resolver: resolver.New(o.resolverCfg, log),
		log:      log,
	}
}

// run drives the step loop and builds the result.
func (o *Orchestrator) run(ctx context.Context, ex *execution, start string) *ExecutionResult {
	started := o.now()
	if t := ex.tmpl.TotalTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	ex.log.Info("Workflow started", zap.String("start", start))

	lease, err := o.pool.Acquire(ctx)
	if err != nil {
		return o.finish(ctx, ex, StatusFailed, fmt.Errorf("failed to acquire browser: %w", err), started)
	}
	defer lease.Release()
	ex.lease = lease

	status, err := o.loop(ctx, ex, start)
	if status == StatusCompleted && len(ex.tmpl.SuccessCriteria) > 0 {
		ev := evaluator{h: lease.Handle(), scope: ex.scope, prev: ex.state.last()}
		ok, failed, cerr := ev.all(ctx, ex.tmpl.SuccessCriteria)
		if !ok {
			status = StatusFailed
			err = schemas.NewError(schemas.KindValidationFailed, "workflow.success_criteria", fmt.Sprintf("%s does not hold", failed), cerr)
		}
	}
	if status == StatusCompleted && ex.recovered {
		status = StatusPartiallyCompleted
	}
	return o.finish(ctx, ex, status, err, started)
}

func interrupted(err error) (Status, error) {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusFailed, schemas.NewError(schemas.KindTimeout, "workflow", "total timeout exceeded", err)
	}
	return StatusCancelled, err
}

// loop executes top-level steps until there is no next step. Cancellation
// and the total timeout are checked between steps.
func (o *Orchestrator) loop(ctx context.Context, ex *execution, start string) (Status, error) {
	env := &stepEnv{ex: ex, lease: ex.lease, scope: ex.scope}
	for id := start; id != ""; {
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}
		step, ok := ex.tmpl.step(id)
		if !ok {
			return StatusFailed, schemas.NewError(schemas.KindInternal, "workflow", fmt.Sprintf("step %q does not exist", id), nil)
		}
		ex.state.setCurrent(id)

		next, err := o.advance(ctx, env, step)
		if cerr := ctx.Err(); cerr != nil {
			return interrupted(cerr)
		}
		if err != nil {
			return StatusFailed, err
		}
		ex.state.setCurrent(next)
		o.saveSnapshot(ctx, ex)

		id = next
		if id != "" && o.cfg.StepDelay > 0 {
			if err := o.sleep(ctx, o.cfg.StepDelay); err != nil {
				return interrupted(err)
			}
		}
	}
	return StatusCompleted, nil
}

func endOrTarget(id string) string {
	if id == EndStep {
		return ""
	}
	return id
}

// advance runs a top-level step and picks the next one.
func (o *Orchestrator) advance(ctx context.Context, env *stepEnv, step *Step) (string, error) {
	ex := env.ex
	run, jump, err := o.runStep(ctx, env, step)
	if run.Skipped {
		return ex.tmpl.defaultNext(step.ID), nil
	}
	if err == nil {
		if jump != "" {
			return endOrTarget(jump), nil
		}
		return o.successTarget(ctx, env, step), nil
	}

	switch step.OnFailure.action() {
	case FailContinue:
		ex.log.Info("Step failed, continuing", zap.String("step_id", step.ID), zap.Error(err))
		return ex.tmpl.defaultNext(step.ID), nil
	case FailJump:
		ex.log.Info("Step failed, jumping", zap.String("step_id", step.ID), zap.String("target", step.OnFailure.Target))
		return endOrTarget(step.OnFailure.Target), nil
	case FailIgnore:
		return o.successTarget(ctx, env, step), nil
	case FailRecovery:
		ex.log.Info("Step failed, running recovery steps", zap.String("step_id", step.ID), zap.Strings("steps", step.OnFailure.Steps))
		if rerr := o.runNested(ctx, env, step.OnFailure.Steps); rerr != nil {
			return "", fmt.Errorf("recovery steps for %q failed: %w", step.ID, rerr)
		}
		return ex.tmpl.defaultNext(step.ID), nil
	}

	if o.recovery != nil && !ex.tmpl.ErrorHandling.DisableRecovery && o.recover(ctx, env, step, err) {
		return o.successTarget(ctx, env, step), nil
	}
	return "", err
}

// successTarget evaluates conditional on_success edges in order. The first
// match wins; otherwise the unconditional edge, then the default next step.
func (o *Orchestrator) successTarget(ctx context.Context, env *stepEnv, step *Step) string {
	fallback := ""
	hasFallback := false
	ev := evaluator{h: env.handle(), scope: env.scope, prev: env.ex.state.last()}
	for _, tr := range step.OnSuccess {
		if tr.When == nil {
			if !hasFallback {
				fallback, hasFallback = tr.Target, true
			}
			continue
		}
		ok, err := ev.eval(ctx, *tr.When)
		if err != nil {
			env.ex.log.Warn("Transition condition failed to evaluate", zap.String("step_id", step.ID), zap.String("target", tr.Target), zap.Error(err))
			continue
		}
		if ok {
			return endOrTarget(tr.Target)
		}
	}
	if hasFallback {
		return endOrTarget(fallback)
	}
	return env.ex.tmpl.defaultNext(step.ID)
}

// recover hands an unhandled failure to the recovery manager. The manager
// may restart the leased browser and re-run the step.
func (o *Orchestrator) recover(ctx context.Context, env *stepEnv, step *Step, cause error) bool {
	ex := env.ex
	ectx := recovery.ErrorContext{
		TaskType:   ex.tmpl.TaskType,
		Operation:  string(step.Kind),
		StepID:     step.ID,
		WorkflowID: ex.tmpl.ID,
		URL:        ex.url(),
		Timeout:    o.stepTimeout(step),
		Browser: recovery.RestarterFunc(func(ctx context.Context) error {
			return o.pool.Replace(ctx, env.lease)
		}),
	}
	var retried *StepRun
	rec, err := o.recovery.Handle(ctx, cause, ectx, func(rctx context.Context) error {
		run := StepRun{StepID: step.ID, Kind: step.Kind, StartedAt: o.now()}
		_, aerr := o.attempt(rctx, env, env.scope, step, &run)
		if aerr == nil {
			run.Success = true
			run.DurationMS = o.now().Sub(run.StartedAt).Milliseconds()
			retried = &run
		}
		return aerr
	})

	ex.mu.Lock()
	if rec != nil {
		ex.recoveryIDs = append(ex.recoveryIDs, rec.ID)
	}
	ex.mu.Unlock()
	if err != nil || retried == nil {
		ex.log.Warn("Recovery did not rescue step", zap.String("step_id", step.ID), zap.Error(err))
		return false
	}

	retried.Recovered = true
	retried.action("recovered from %s error", rec.Category)
	ex.mu.Lock()
	ex.recovered = true
	ex.mu.Unlock()
	o.record(ex, *retried)
	ex.log.Info("Step recovered", zap.String("step_id", step.ID), zap.String("resolution", string(rec.Resolution)))
	return true
}

func (o *Orchestrator) retryPolicy(t *Template, s *Step) RetryPolicy {
	if s.Retry != nil {
		return *s.Retry
	}
	return RetryPolicy{MaxRetries: t.MaxRetries, Delay: time.Second}
}

func (o *Orchestrator) stepTimeout(s *Step) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	switch s.Kind {
	case KindLoop, KindParallel, KindBranch:
		return 0
	}
	return o.cfg.DefaultStepTimeout
}

// runStep evaluates preconditions, runs the action with retries and records
// the step run. jump is set by branch steps.
func (o *Orchestrator) runStep(ctx context.Context, env *stepEnv, step *Step) (StepRun, string, error) {
	ex := env.ex
	run := StepRun{StepID: step.ID, Kind: step.Kind, StartedAt: o.now()}
	log := ex.log.With(zap.String("step_id", step.ID), zap.String("kind", string(step.Kind)))

	sc, err := env.scope.withLocals(step.Vars)
	if err != nil {
		return o.fail(ex, run, err), "", err
	}
	senv := &stepEnv{ex: ex, lease: env.lease, scope: sc}

	ev := evaluator{h: senv.handle(), scope: sc, prev: ex.state.last()}
	for _, c := range step.Preconditions {
		ok, cerr := ev.eval(ctx, c)
		if ok {
			continue
		}
		if !c.Required {
			log.Debug("Advisory precondition does not hold", zap.Stringer("condition", c), zap.Error(cerr))
			continue
		}
		run.Skipped = true
		run.action("skipped: %s", c)
		if cerr != nil {
			run.Error = cerr.Error()
		}
		run.DurationMS = o.now().Sub(run.StartedAt).Milliseconds()
		log.Info("Step skipped", zap.Stringer("condition", c))
		o.record(ex, run)
		return run, "", nil
	}

	policy := o.retryPolicy(ex.tmpl, step)
	var jump string
	for {
		jump, err = o.attempt(ctx, senv, sc, step, &run)
		if err == nil || run.RetriesUsed >= policy.MaxRetries || !policy.allows(err) || ctx.Err() != nil {
			break
		}
		delay := policy.backoff(run.RetriesUsed + 1)
		log.Warn("Step failed, retrying", zap.Int("attempt", run.RetriesUsed+1), zap.Duration("delay", delay), zap.Error(err))
		if serr := o.sleep(ctx, delay); serr != nil {
			break
		}
		run.RetriesUsed++
	}
	run.DurationMS = o.now().Sub(run.StartedAt).Milliseconds()
	if err != nil {
		if ex.tmpl.ErrorHandling.ScreenshotOnFailure {
			o.attachScreenshot(ctx, senv, &run)
		}
		return o.fail(ex, run, err), "", err
	}
	run.Success = true
	o.record(ex, run)
	return run, jump, nil
}

func (o *Orchestrator) fail(ex *execution, run StepRun, err error) StepRun {
	run.Success = false
	run.Error = err.Error()
	run.ErrorKind = schemas.KindOf(err)
	ex.log.Warn("Step failed", zap.String("step_id", run.StepID), zap.String("error_kind", string(run.ErrorKind)), zap.Int("retries", run.RetriesUsed), zap.Error(err))
	o.record(ex, run)
	return run
}

// attempt runs the action once under the step timeout.
func (o *Orchestrator) attempt(ctx context.Context, env *stepEnv, sc *scope, step *Step, run *StepRun) (string, error) {
	p, err := sc.expandParams(step.Params)
	if err != nil {
		return "", err
	}
	h, ok := o.handlers[step.Kind]
	if !ok {
		return "", schemas.NewError(schemas.KindInternal, "workflow", fmt.Sprintf("no handler for step kind %q", step.Kind), nil)
	}
	actx := ctx
	timeout := o.stepTimeout(step)
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	senv := &stepEnv{ex: env.ex, lease: env.lease, scope: sc, run: run, timeout: timeout}
	err = h(actx, senv, step, p)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && schemas.KindOf(err) != schemas.KindTimeout {
		err = schemas.NewError(schemas.KindTimeout, "workflow."+string(step.Kind), fmt.Sprintf("step %q exceeded %v", step.ID, timeout), err)
	}
	return senv.jump, err
}

// runNested runs sub-steps in order without following their transitions.
// Sub-steps whose on_failure is continue or ignore do not stop the sequence.
func (o *Orchestrator) runNested(ctx context.Context, env *stepEnv, ids []string) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		step, ok := env.ex.tmpl.step(id)
		if !ok {
			return schemas.NewError(schemas.KindInternal, "workflow", fmt.Sprintf("step %q does not exist", id), nil)
		}
		run, _, err := o.runStep(ctx, env, step)
		if err == nil || run.Skipped {
			continue
		}
		switch step.OnFailure.action() {
		case FailContinue, FailIgnore:
			continue
		}
		return fmt.Errorf("step %q: %w", id, err)
	}
	return nil
}

func outcome(run StepRun) string {
	switch {
	case run.Skipped:
		return "skipped"
	case run.Recovered:
		return "recovered"
	case run.Success:
		return "success"
	}
	return "failed"
}

// record appends the run to the history and announces it.
func (o *Orchestrator) record(ex *execution, run StepRun) {
	ex.state.append(run)
	o.metrics.StepRun(string(run.Kind), outcome(run))
	if o.bus == nil {
		return
	}
	ev := schemas.StepEvent{
		ExecutionID: ex.state.ExecutionID(),
		WorkflowID:  ex.tmpl.ID,
		StepID:      run.StepID,
		StepKind:    string(run.Kind),
		Success:     run.Success,
		Skipped:     run.Skipped,
		Duration:    run.duration(),
		Retries:     run.RetriesUsed,
		ErrorKind:   run.ErrorKind,
		Error:       run.Error,
	}
	if err := o.bus.TryPublish(schemas.EventStepCompleted, ev); err != nil {
		ex.log.Debug("Step event not published", zap.Error(err))
	}
}

func (o *Orchestrator) saveSnapshot(ctx context.Context, ex *execution) {
	if o.snapshots == nil {
		return
	}
	if err := o.snapshots.SaveSnapshot(context.WithoutCancel(ctx), ex.state.Snapshot()); err != nil {
		ex.log.Warn("Failed to save snapshot", zap.Error(err))
	}
}

// finish seals the state and reports the execution.
func (o *Orchestrator) finish(ctx context.Context, ex *execution, status Status, err error, started time.Time) *ExecutionResult {
	elapsed := o.now().Sub(started)
	ex.state.finish(status, err, elapsed)
	history := ex.state.History()
	m := summarise(history, elapsed)

	res := &ExecutionResult{
		ExecutionID: ex.state.ExecutionID(),
		WorkflowID:  ex.tmpl.ID,
		Status:      status,
		Steps:       history,
		Vars:        ex.state.Vars(),
		Metrics:     m,
		StartedAt:   started,
		FinishedAt:  started.Add(elapsed),
	}
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = schemas.KindOf(err)
	}
	ex.mu.Lock()
	res.RecoveryIDs = append([]string(nil), ex.recoveryIDs...)
	page, perceptionTime, pageLoad, url := ex.lastPage, ex.perceptionTime, ex.pageLoad, ex.lastURL
	ex.mu.Unlock()

	success := status == StatusCompleted || status == StatusPartiallyCompleted
	if page != nil && o.scheduler != nil {
		o.scheduler.RecordOutcome(perception.ParseTaskType(ex.tmpl.TaskType), page.TierActual, success, perceptionTime)
	}
	res.Recommendations = o.recommend(ex, history, m, page, pageLoad)
	o.metrics.WorkflowRun(string(status))

	if o.bus != nil {
		ev := schemas.WorkflowEvent{
			ExecutionID:    res.ExecutionID,
			WorkflowID:     res.WorkflowID,
			Status:         string(status),
			Success:        success,
			Duration:       elapsed,
			StepsCompleted: m.Succeeded,
			StepsFailed:    m.Failed,
			ErrorKinds:     errorKinds(history),
			TaskType:       ex.tmpl.TaskType,
			Intent:         ex.tmpl.Intent,
			PageURL:        url,
			PerceptionTime: perceptionTime,
			PageLoadTime:   pageLoad,
			Timestamp:      res.FinishedAt,
		}
		if page != nil {
			ev.Tier = page.TierActual.String()
			ev.PageComplexity = page.PageComplexity()
			ev.QualityScore = page.Quality
		}
		if o.scheduler != nil {
			ev.CacheHitRate = o.scheduler.CacheHitRate()
		}
		if perr := o.bus.TryPublish(schemas.EventWorkflowCompleted, ev); perr != nil {
			ex.log.Debug("Workflow event not published", zap.Error(perr))
		}
	}
	o.saveSnapshot(ctx, ex)

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Duration("elapsed", elapsed),
		zap.Int("steps", m.TotalSteps),
		zap.Float64("success_rate", m.SuccessRate),
	}
	if err != nil {
		ex.log.Warn("Workflow finished", append(fields, zap.Error(err))...)
	} else {
		ex.log.Info("Workflow finished", fields...)
	}
	return res
}

func errorKinds(history []StepRun) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range history {
		if r.Success || r.Skipped || r.ErrorKind == "" || seen[string(r.ErrorKind)] {
			continue
		}
		seen[string(r.ErrorKind)] = true
		out = append(out, string(r.ErrorKind))
	}
	return out
}

// recommend lists review advice for the run followed by matching learned
// recommendations.
func (o *Orchestrator) recommend(ex *execution, history []StepRun, m Metrics, page *perception.Result, pageLoad time.Duration) []string {
	var out []string
	if ran := m.Succeeded + m.Failed; ran > 0 && m.SuccessRate < lowSuccessRate {
		out = append(out, "Consider adding more specific selectors for better reliability")
	}
	var failed, slow []string
	seenFailed, seenSlow := map[string]bool{}, map[string]bool{}
	for _, r := range history {
		if !r.Success && !r.Skipped && !seenFailed[r.StepID] {
			seenFailed[r.StepID] = true
			failed = append(failed, r.StepID)
		}
		if r.duration() > slowStep && !seenSlow[r.StepID] {
			seenSlow[r.StepID] = true
			slow = append(slow, r.StepID)
		}
	}
	if len(failed) > 0 {
		out = append(out, fmt.Sprintf("Review %d failed steps (%s) and add error handling", len(failed), strings.Join(failed, ", ")))
	}
	if len(slow) > 0 {
		out = append(out, fmt.Sprintf("Optimize %d slow-running steps (%s) for better performance", len(slow), strings.Join(slow, ", ")))
	}

	if o.advisor == nil {
		return out
	}
	f := learner.Features{
		TaskType:         ex.tmpl.TaskType,
		RetryCount:       m.Retries,
		PageLoadTime:     pageLoad,
		PreviousFailures: errorKinds(history),
	}
	if page != nil {
		f.PageComplexity = page.PageComplexity()
	}
	if o.scheduler != nil {
		f.CacheHitRate = o.scheduler.CacheHitRate()
	}
	learned := o.advisor.Recommendations(f)
	sort.SliceStable(learned, func(i, j int) bool { return learned[i].Confidence > learned[j].Confidence })
	seen := make(map[string]bool)
	for _, r := range learned {
		s := fmt.Sprintf("Learned: %s (confidence %.2f)", r.Action, r.Confidence)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
