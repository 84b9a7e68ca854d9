package workflow

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
)

// loopStep runs the body up to times iterations, or while the condition
// holds, never more than the configured iteration cap. The current index is
// exposed as ${loop_index} and ${<step>.index}.
func (o *Orchestrator) loopStep(ctx context.Context, env *stepEnv, step *Step, p Params) error {
	limit := o.cfg.MaxLoopIterations
	if p.MaxIterations > 0 && p.MaxIterations < limit {
		limit = p.MaxIterations
	}
	if p.Times > 0 && p.Times < limit {
		limit = p.Times
	}
	st := env.ex.state
	iterations := 0
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := strconv.Itoa(i)
		st.SetVar("loop_index", idx)
		st.SetVar(step.ID+".index", idx)
		if p.While != nil {
			ev := evaluator{h: env.handle(), scope: env.scope, prev: st.last()}
			ok, err := ev.eval(ctx, *p.While)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
		if err := o.runNested(ctx, env, p.Body); err != nil {
			env.run.output("iterations", strconv.Itoa(iterations))
			return fmt.Errorf("loop iteration %d: %w", i, err)
		}
		iterations++
	}
	if p.While != nil && iterations == limit {
		env.ex.log.Warn("Loop stopped at iteration cap", zap.String("step_id", step.ID), zap.Int("limit", limit))
		env.run.action("stopped at iteration cap %d", limit)
	}
	env.run.output("iterations", strconv.Itoa(iterations))
	return nil
}

// parallel runs each branch concurrently, at most MaxParallel at a time.
// A branch takes its own lease when the pool has an idle handle and
// otherwise waits for the execution's own lease, so a busy pool degrades to
// sequential execution rather than deadlocking.
func (o *Orchestrator) parallel(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	own := make(chan *browser.Lease, 1)
	own <- env.lease
	sem := semaphore.NewWeighted(int64(o.cfg.MaxParallel))
	g, gctx := errgroup.WithContext(ctx)

	for i, branch := range p.Branches {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			lease, borrowed, err := o.pool.TryAcquire(gctx)
			if err != nil {
				return err
			}
			if borrowed {
				defer lease.Release()
			} else {
				select {
				case lease = <-own:
					defer func() { own <- lease }()
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			benv := &stepEnv{ex: env.ex, lease: lease, scope: env.scope}
			if err := o.runNested(gctx, benv, branch); err != nil {
				return fmt.Errorf("branch %d: %w", i, err)
			}
			return nil
		})
	}
	env.run.output("branches", strconv.Itoa(len(p.Branches)))
	return g.Wait()
}

// customStep calls a registered custom action and stores what it returns
// as workflow vars.
func (o *Orchestrator) customStep(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	o.customMu.RLock()
	fn, ok := o.custom[p.Action]
	o.customMu.RUnlock()
	if !ok {
		return schemas.NewError(schemas.KindValidationFailed, "workflow.custom", fmt.Sprintf("custom action %q is not registered", p.Action), nil)
	}
	out, err := fn(ctx, env.handle(), p.Args)
	if err != nil {
		return err
	}
	for k, v := range out {
		env.ex.state.SetVar(k, v)
		env.run.output(k, v)
	}
	env.run.action("ran custom action %s", p.Action)
	return nil
}
