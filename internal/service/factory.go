// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/bus"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/decision"
	"github.com/xkilldash9x/webpilot/internal/learner"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/metrics"
	"github.com/xkilldash9x/webpilot/internal/mocks"
	"github.com/xkilldash9x/webpilot/internal/perception"
	"github.com/xkilldash9x/webpilot/internal/recovery"
	"github.com/xkilldash9x/webpilot/internal/store"
	"github.com/xkilldash9x/webpilot/internal/workflow"
)

const busBufferSize = 256

// Options adjust how Build assembles the components.
type Options struct {
	// Launcher overrides the browser launcher. When nil, Pages selects the
	// synthetic browser and otherwise Chrome is launched through chromedp.
	Launcher browser.Launcher
	// Pages maps URLs to static HTML served by an offline synthetic browser.
	Pages map[string]string
	// Offline forces the synthetic browser even when Pages is empty.
	Offline bool
}

func (o Options) launcher(cfg config.Interface, logger *zap.Logger) browser.Launcher {
	switch {
	case o.Launcher != nil:
		return o.Launcher
	case o.Offline || len(o.Pages) > 0:
		pages := o.Pages
		return browser.LauncherFunc(func(context.Context) (schemas.BrowserHandle, error) {
			return mocks.NewSyntheticBrowser(pages), nil
		})
	default:
		return browser.NewChromeLauncher(cfg.Browser(), logger)
	}
}

// Build wires the full component graph from cfg. On error every component
// built so far is shut down before returning.
func Build(ctx context.Context, cfg config.Interface, logger *zap.Logger, opts Options) (c *Components, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c = &Components{logger: logger}
	defer func() {
		if err != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
			c.Shutdown()
			c = nil
		}
	}()

	// 1. Metrics
	if cfg.Metrics().Enabled {
		c.Registry = prometheus.NewRegistry()
		c.Metrics = metrics.New(c.Registry)
	}

	// 2. Browser pool
	pool, err := browser.NewPool(opts.launcher(cfg, logger), cfg.Browser().PoolSize, logger, c.Metrics)
	if err != nil {
		return c, fmt.Errorf("failed to create browser pool: %w", err)
	}
	c.Pool = pool

	// 3. Perception, with redis behind the in-process cache when configured
	var remote perception.Remote
	if cfg.Redis().Addr != "" {
		rs, client, err := initRemoteCache(ctx, cfg.Redis(), logger)
		if err != nil {
			return c, err
		}
		c.Redis = client
		remote = rs
	}
	pcfg := cfg.Perception()
	percCache := perception.NewCache(pcfg.CacheTTL, pcfg.CacheCapacity, remote, logger)
	factory := perception.NewFactory(perception.BudgetsFromConfig(pcfg.Budgets), nil, logger)
	c.Scheduler, err = perception.NewScheduler(pcfg, factory, percCache, logger, c.Metrics)
	if err != nil {
		return c, fmt.Errorf("failed to create perception scheduler: %w", err)
	}

	// 4. Recovery. Provider switching is attached once the router exists.
	handler := recovery.NewDefaultHandler(nil, percCache, nil, logger)
	c.Recovery = recovery.NewManager(cfg.Recovery(), logger,
		recovery.WithHandler(handler),
		recovery.WithMetrics(c.Metrics))

	// 5. Decision providers
	c.Router, err = llmclient.NewRouterFromConfig(ctx, cfg.Decision(), c.Recovery, logger, c.Metrics)
	if err != nil {
		return c, fmt.Errorf("failed to initialize decision providers: %w", err)
	}
	handler.Providers = c.Router
	c.Decider, err = decision.New(c.Router, logger)
	if err != nil {
		return c, fmt.Errorf("failed to create decider: %w", err)
	}

	// 6. Event bus and learner
	c.Bus = bus.New(logger, busBufferSize)
	c.Learner = learner.New(cfg.Learner(), logger, c.Metrics)
	c.Learner.Start()
	c.learnerStarted = true

	// 7. Optional persistence
	if cfg.Database().URL != "" {
		if err := c.initStore(ctx, cfg, logger); err != nil {
			return c, err
		}
	}
	c.stopSubscriber = c.Learner.Subscribe(ctx, c.Bus)

	// 8. Orchestrator
	orchOpts := []workflow.Option{
		workflow.WithScheduler(c.Scheduler),
		workflow.WithDecider(c.Decider),
		workflow.WithRecovery(c.Recovery),
		workflow.WithAdvisor(c.Learner),
		workflow.WithBus(c.Bus),
		workflow.WithMetrics(c.Metrics),
		workflow.WithResolverConfig(cfg.Resolver()),
	}
	if c.Store != nil {
		orchOpts = append(orchOpts, workflow.WithSnapshots(c.Store))
	}
	c.Orchestrator, err = workflow.New(cfg.Workflow(), c.Pool, logger, orchOpts...)
	if err != nil {
		return c, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	logger.Info("Components initialized.",
		zap.Int("pool_size", cfg.Browser().PoolSize),
		zap.Bool("persistence", c.Store != nil),
		zap.Bool("redis", c.Redis != nil))
	return c, nil
}

// initStore connects to PostgreSQL, ensures the schema and warm-starts the
// learner from the most recent records.
func (c *Components) initStore(ctx context.Context, cfg config.Interface, logger *zap.Logger) error {
	pool, err := initDatabase(ctx, cfg.Database())
	if err != nil {
		return err
	}
	c.DBPool = pool

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure database schema: %w", err)
	}
	c.Store = st
	c.persistLearning = true

	records, err := st.RecentRecords(ctx, cfg.Learner().MaxMemory)
	if err != nil {
		logger.Warn("Could not load learner history, starting cold.", zap.Error(err))
		return nil
	}
	for _, rec := range records {
		c.Learner.Record(rec)
	}
	logger.Debug("Learner warm-started from store.", zap.Int("records", len(records)))
	return nil
}

// ApplyLearning pushes low-risk learner optimizations for taskType into the
// perception scheduler. It is a no-op unless learner.auto_apply is set.
func (c *Components) ApplyLearning(taskType string) []string {
	if c.Learner == nil || c.Scheduler == nil {
		return nil
	}
	applied := c.Learner.ApplyOptimizations(learner.Features{
		TaskType:     taskType,
		CacheHitRate: c.Scheduler.CacheHitRate(),
	}, c.Scheduler)
	if len(applied) > 0 {
		c.logger.Info("Applied learned optimizations.", zap.String("task_type", taskType), zap.Strings("applied", applied))
	}
	return applied
}
