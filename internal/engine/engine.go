package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/workflow"
)

const (
	defaultConcurrency = 4
	persistTimeout     = 30 * time.Second
)

// Runner executes one workflow. *workflow.Orchestrator satisfies it.
type Runner interface {
	ExecuteID(ctx context.Context, id string, tmpl *workflow.Template, params map[string]string) (*workflow.ExecutionResult, error)
}

// ResultStore persists finished executions.
type ResultStore interface {
	SaveExecutionResult(ctx context.Context, res *workflow.ExecutionResult) error
}

// Submission is one workflow run request. An empty ID gets a generated one.
type Submission struct {
	ID       string
	Template *workflow.Template
	Params   map[string]string
}

// Outcome pairs a submission with its result. Err is set when the run could
// not start, for example on an invalid template.
type Outcome struct {
	Submission Submission
	Result     *workflow.ExecutionResult
	Err        error
}

// WorkflowEngine runs submissions on a fixed pool of workers.
type WorkflowEngine struct {
	cfg    config.Interface
	logger *zap.Logger
	runner Runner
	store  ResultStore
	onDone func(Outcome)
	wg     sync.WaitGroup

	stateLock sync.Mutex
	isRunning bool
}

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithResultStore persists every result that was produced.
func WithResultStore(s ResultStore) Option { return func(e *WorkflowEngine) { e.store = s } }

// WithOutcomeHandler is called from the worker goroutine after each
// submission. It must be safe for concurrent use.
func WithOutcomeHandler(fn func(Outcome)) Option { return func(e *WorkflowEngine) { e.onDone = fn } }

// New creates a WorkflowEngine.
func New(cfg config.Interface, logger *zap.Logger, runner Runner, opts ...Option) (*WorkflowEngine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	e := &WorkflowEngine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "workflow_engine")),
		runner: runner,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start launches the workers. They consume subs until it is closed and
// drained or ctx is done. A second Start while running is ignored.
func (e *WorkflowEngine) Start(ctx context.Context, subs <-chan Submission) {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		e.logger.Warn("WorkflowEngine.Start called, but engine is already running.")
		return
	}
	e.isRunning = true
	e.stateLock.Unlock()

	concurrency := e.cfg.Engine().WorkerConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	e.logger.Info("Starting workflow engine", zap.Int("concurrency", concurrency))

	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i+1, subs)
	}
}

// Stop waits for all workers to exit.
func (e *WorkflowEngine) Stop() {
	e.logger.Info("Stopping workflow engine, waiting for workers.")
	e.wg.Wait()

	e.stateLock.Lock()
	e.isRunning = false
	e.stateLock.Unlock()
	e.logger.Info("Workflow engine stopped.")
}

func (e *WorkflowEngine) runWorker(ctx context.Context, workerID int, subs <-chan Submission) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, worker shutting down.", zap.Error(ctx.Err()))
			return
		case sub, ok := <-subs:
			if !ok {
				logger.Debug("Submission queue closed and drained, worker exiting.")
				return
			}
			e.process(ctx, sub, logger)
		}
	}
}

// process runs one submission under the default workflow timeout unless the
// template carries its own.
func (e *WorkflowEngine) process(ctx context.Context, sub Submission, logger *zap.Logger) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	logger = logger.With(zap.String("execution_id", sub.ID))
	if ctx.Err() != nil {
		logger.Warn("Context cancelled before submission started", zap.Error(ctx.Err()))
		return
	}

	runCtx := ctx
	if sub.Template != nil && sub.Template.TotalTimeout <= 0 {
		if d := e.cfg.Engine().DefaultWorkflowTimeout; d > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	res, err := e.runner.ExecuteID(runCtx, sub.ID, sub.Template, sub.Params)
	out := Outcome{Submission: sub, Result: res, Err: err}
	if err != nil {
		logger.Error("Workflow could not start", zap.Error(err))
	} else {
		logger.Info("Workflow processed", zap.String("workflow_id", res.WorkflowID), zap.String("status", string(res.Status)))
		e.persist(res, logger)
	}
	if e.onDone != nil {
		e.onDone(out)
	}
}

// persist saves on a fresh context so results of runs interrupted by
// shutdown are still written.
func (e *WorkflowEngine) persist(res *workflow.ExecutionResult, logger *zap.Logger) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.SaveExecutionResult(ctx, res); err != nil {
		logger.Error("Failed to persist execution result", zap.Error(err))
		return
	}
	logger.Debug("Execution result persisted.")
}
