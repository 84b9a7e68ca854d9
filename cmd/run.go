// -- cmd/run.go --
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/engine"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/service"
	"github.com/xkilldash9x/webpilot/internal/workflow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type runOptions struct {
	params    []string
	pagesFile string
	offline   bool
	resume    string
	output    string
}

// newRunCmd creates the `run` command.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run <template.yaml> [template.yaml...]",
		Short: "Execute one or more workflow templates",
		Long: `Runs each template as a separate workflow on the engine's worker pool and
prints the execution results as JSON. With --pages (or --offline) the workflows
run against an in-memory browser serving the given HTML instead of Chrome.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflows(cmd, args, opts)
		},
	}

	f := runCmd.Flags()
	f.StringArrayVarP(&opts.params, "param", "p", nil, "Template parameter as key=value (repeatable)")
	f.StringVar(&opts.pagesFile, "pages", "", "YAML file mapping URLs to HTML for the offline browser")
	f.BoolVar(&opts.offline, "offline", false, "Use the offline browser even without --pages")
	f.StringVar(&opts.resume, "resume", "", "Resume a persisted execution by ID (single template only)")
	f.StringVarP(&opts.output, "output", "o", "", "Write results to this file instead of stdout")

	f.IntP("concurrency", "j", 0, "Number of concurrent workflow workers (overrides config/env)")
	f.Int("pool-size", 0, "Number of pooled browser handles (overrides config/env)")
	f.Bool("headless", true, "Run Chrome headless (overrides config/env)")
	f.StringSlice("providers", nil, "Decision providers in fallback order (overrides config/env)")
	f.Duration("step-delay", 0, "Delay inserted between workflow steps (overrides config/env)")
	return runCmd
}

func runWorkflows(cmd *cobra.Command, args []string, opts *runOptions) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}

	params, err := parseParams(opts.params)
	if err != nil {
		return err
	}
	templates := make([]*workflow.Template, 0, len(args))
	for _, path := range args {
		tmpl, err := loadTemplate(path)
		if err != nil {
			return err
		}
		templates = append(templates, tmpl)
	}
	if opts.resume != "" && len(templates) != 1 {
		return fmt.Errorf("--resume takes exactly one template, got %d", len(templates))
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

	var results []*workflow.ExecutionResult
	if opts.resume != "" {
		res, err := resumeWorkflow(cmd, components, templates[0], opts.resume, params)
		if err != nil {
			return err
		}
		results = []*workflow.ExecutionResult{res}
	} else {
		results, err = runOnEngine(cmd, components, templates, params)
		if err != nil {
			return err
		}
	}

	if err := writeResults(cmd, opts.output, results); err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res == nil || res.Status != workflow.StatusCompleted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workflows did not complete", failed, len(results))
	}
	logger.Info("All workflows completed", zap.Int("count", len(results)))
	return nil
}

// runOnEngine submits every template to the engine and collects results in
// submission order.
func runOnEngine(cmd *cobra.Command, c *service.Components, templates []*workflow.Template, params map[string]string) ([]*workflow.ExecutionResult, error) {
	cfg, err := configFrom(cmd)
	if err != nil {
		return nil, err
	}
	logger := observability.GetLogger()

	index := make(map[string]int, len(templates))
	results := make([]*workflow.ExecutionResult, len(templates))
	var (
		mu       sync.Mutex
		startErr error
	)
	engineOpts := []engine.Option{engine.WithOutcomeHandler(func(o engine.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		if o.Err != nil {
			if startErr == nil {
				startErr = fmt.Errorf("workflow %s could not start: %w", o.Submission.ID, o.Err)
			}
			return
		}
		results[index[o.Submission.ID]] = o.Result
		if o.Submission.Template != nil {
			c.ApplyLearning(o.Submission.Template.TaskType)
		}
	})}
	if c.Store != nil {
		engineOpts = append(engineOpts, engine.WithResultStore(c.Store))
	}

	eng, err := engine.New(cfg, logger, c.Orchestrator, engineOpts...)
	if err != nil {
		return nil, err
	}

	queue := cfg.Engine().QueueSize
	if queue <= 0 || queue > len(templates) {
		queue = len(templates)
	}
	ids := make([]string, len(templates))
	for i := range templates {
		ids[i] = uuid.NewString()
		index[ids[i]] = i
	}
	subs := make(chan engine.Submission, queue)
	eng.Start(cmd.Context(), subs)
	for i, tmpl := range templates {
		subs <- engine.Submission{ID: ids[i], Template: tmpl, Params: params}
	}
	close(subs)
	eng.Stop()

	if startErr != nil {
		return nil, startErr
	}
	for i, res := range results {
		if res == nil {
			return nil, fmt.Errorf("workflow %q produced no result", templates[i].ID)
		}
	}
	return results, nil
}

func resumeWorkflow(cmd *cobra.Command, c *service.Components, tmpl *workflow.Template, executionID string, params map[string]string) (*workflow.ExecutionResult, error) {
	if c.Store == nil {
		return nil, fmt.Errorf("--resume needs a configured database (WEBPILOT_DATABASE_URL)")
	}
	ctx := cmd.Context()
	snap, err := c.Store.LoadSnapshot(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", executionID, err)
	}
	res, err := c.Orchestrator.Resume(ctx, tmpl, snap, params)
	if err != nil {
		return nil, err
	}
	if err := c.Store.SaveExecutionResult(ctx, res); err != nil {
		observability.GetLogger().Error("Failed to persist execution result", zap.Error(err))
	}
	return res, nil
}

func loadTemplate(path string) (*workflow.Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template: %w", err)
	}
	defer f.Close()
	tmpl, err := workflow.LoadTemplate(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tmpl, nil
}

func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		params[strings.TrimSpace(k)] = v
	}
	return params, nil
}

func writeResults(cmd *cobra.Command, output string, results []*workflow.ExecutionResult) error {
	var w io.Writer = cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	var payload interface{} = results
	if len(results) == 1 {
		payload = results[0]
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
