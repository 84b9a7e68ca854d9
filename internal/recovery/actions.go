package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ActionHandler executes the side-effecting recovery actions. Retry is
// driven by the Manager and never reaches the handler.
type ActionHandler interface {
	Execute(ctx context.Context, action Action, rec *ErrorRecord) error
}

// BrowserRestarter tears down and relaunches a browser handle.
type BrowserRestarter interface {
	Restart(ctx context.Context) error
}

// RestarterFunc adapts a function to BrowserRestarter.
type RestarterFunc func(ctx context.Context) error

func (f RestarterFunc) Restart(ctx context.Context) error { return f(ctx) }

// CacheClearer drops cached state.
type CacheClearer interface {
	Clear(ctx context.Context) error
}

// ProviderSwitcher moves decision traffic away from the failing provider.
type ProviderSwitcher interface {
	SwitchProvider(name string) (string, error)
}

// ResourceReducer lowers concurrency or memory use by a percentage.
type ResourceReducer interface {
	ReduceBy(pct int)
}

// DefaultHandler wires recovery actions to the engine's collaborators. Any
// nil collaborator turns its action into a logged no-op.
type DefaultHandler struct {
	Browser   BrowserRestarter
	Cache     CacheClearer
	Providers ProviderSwitcher
	Resources ResourceReducer
	Logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDefaultHandler returns a handler with the given collaborators.
func NewDefaultHandler(browser BrowserRestarter, cache CacheClearer, providers ProviderSwitcher, logger *zap.Logger) *DefaultHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultHandler{
		Browser:   browser,
		Cache:     cache,
		Providers: providers,
		Logger:    logger.Named("recovery_actions"),
		sleep:     sleepCtx,
	}
}

// Execute implements ActionHandler.
func (h *DefaultHandler) Execute(ctx context.Context, a Action, rec *ErrorRecord) error {
	log := h.Logger.With(zap.String("action", string(a.Kind)), zap.String("error_id", rec.ID))
	switch a.Kind {
	case ActionRestartBrowser:
		browser := h.Browser
		if rec.Context.Browser != nil {
			browser = rec.Context.Browser
		}
		if browser == nil {
			log.Debug("No browser restarter wired.")
			return nil
		}
		return browser.Restart(ctx)
	case ActionClearCache:
		if h.Cache == nil {
			return nil
		}
		log.Info("Clearing cache", zap.Strings("kinds", a.Kinds))
		return h.Cache.Clear(ctx)
	case ActionSwitchLLMProvider:
		if h.Providers == nil {
			return nil
		}
		to, err := h.Providers.SwitchProvider(a.Provider)
		if err != nil {
			return err
		}
		log.Info("Switched decision provider", zap.String("provider", to))
		return nil
	case ActionReduceResourceUsage:
		if h.Resources != nil {
			h.Resources.ReduceBy(a.Percent)
		}
		log.Info("Reduced resource usage", zap.Int("percent", a.Percent))
		return nil
	case ActionWaitForResources:
		sleep := h.sleep
		if sleep == nil {
			sleep = sleepCtx
		}
		return sleep(ctx, a.Wait)
	case ActionCleanupResources:
		log.Info("Cleaning up resources", zap.Strings("kinds", a.Kinds))
		return nil
	case ActionResetConfig:
		log.Info("Resetting configuration keys", zap.Strings("keys", a.Keys))
		return nil
	case ActionSendAlert:
		log.Warn("ALERT: "+a.Message,
			zap.Stringer("severity", a.Severity),
			zap.String("category", string(rec.Category)),
			zap.String("error", rec.Message))
		return nil
	case ActionLogError:
		fields := []zap.Field{zap.String("category", string(rec.Category)), zap.String("error", rec.Message)}
		if a.WithContext {
			fields = append(fields,
				zap.String("operation", rec.Context.Operation),
				zap.String("workflow_id", rec.Context.WorkflowID),
				zap.String("step_id", rec.Context.StepID),
				zap.String("url", rec.Context.URL))
		}
		log.Error("Unrecovered error logged", fields...)
		return nil
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
