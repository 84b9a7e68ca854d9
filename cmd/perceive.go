// -- cmd/perceive.go --
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/perception"
	"github.com/xkilldash9x/webpilot/internal/service"
)

type perceiveOptions struct {
	tier           string
	taskType       string
	priority       string
	intent         string
	timeConstraint time.Duration
	pagesFile      string
	offline        bool
}

// newPerceiveCmd creates the `perceive` command, a single perception pass.
func newPerceiveCmd() *cobra.Command {
	opts := &perceiveOptions{}
	perceiveCmd := &cobra.Command{
		Use:   "perceive <url>",
		Short: "Load a page and print one perception result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return perceive(cmd, args[0], opts)
		},
	}

	f := perceiveCmd.Flags()
	f.StringVarP(&opts.tier, "tier", "t", "adaptive", "Perception tier: lightning, quick, standard, deep or adaptive")
	f.StringVar(&opts.taskType, "task-type", "generic", "Task type used by the adaptive tier")
	f.StringVar(&opts.priority, "priority", "normal", "Priority used by the adaptive tier: low, normal, high, critical")
	f.StringVar(&opts.intent, "intent", "", "Free-text intent passed to the adaptive tier")
	f.DurationVar(&opts.timeConstraint, "time-constraint", 0, "Hard time budget for the pass (0 means soft budgets)")
	f.StringVar(&opts.pagesFile, "pages", "", "YAML file mapping URLs to HTML for the offline browser")
	f.BoolVar(&opts.offline, "offline", false, "Use the offline browser even without --pages")
	f.String("strategy", "", "Execution strategy: single_layer, cascading, parallel, hybrid (overrides config/env)")
	f.Bool("headless", true, "Run Chrome headless (overrides config/env)")
	return perceiveCmd
}

func perceive(cmd *cobra.Command, url string, opts *perceiveOptions) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}

	tier, err := perception.ParseTier(opts.tier)
	if err != nil {
		return err
	}
	priority, err := perception.ParsePriority(opts.priority)
	if err != nil {
		return err
	}

	svcOpts := service.Options{Offline: opts.offline}
	if opts.pagesFile != "" {
		if svcOpts.Pages, err = service.LoadPages(opts.pagesFile); err != nil {
			return err
		}
	}
	components, err := service.Build(ctx, cfg, logger, svcOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	lease, err := components.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	res, err := components.Scheduler.Schedule(ctx, lease.Handle(), perception.Request{
		URL:      url,
		Tier:     tier,
		Navigate: true,
		Context: perception.TaskContext{
			TaskType:       perception.ParseTaskType(opts.taskType),
			Priority:       priority,
			TimeConstraint: opts.timeConstraint,
			Intent:         opts.intent,
		},
	})
	if err != nil {
		return fmt.Errorf("perception failed: %w", err)
	}
	logger.Info("Perception complete",
		zap.String("url", url),
		zap.Stringer("tier", res.TierActual),
		zap.Int64("duration_ms", res.DurationMS),
		zap.Float64("quality", res.Quality))

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
