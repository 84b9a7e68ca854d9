package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/bus"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/decision"
	"github.com/xkilldash9x/webpilot/internal/learner"
	"github.com/xkilldash9x/webpilot/internal/metrics"
	"github.com/xkilldash9x/webpilot/internal/mocks"
	"github.com/xkilldash9x/webpilot/internal/perception"
	"github.com/xkilldash9x/webpilot/internal/recovery"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const homeURL = "https://e.com"

var site = map[string]string{
	homeURL: `<html><head><title>Home</title></head><body>
<form id="signin" action="/welcome">
  <label for="user">Username</label><input id="user" name="username" type="text">
  <input name="password" type="password" placeholder="Password">
  <select name="country"><option value="se">Sweden</option><option value="no">Norway</option></select>
  <button type="submit" class="login">Sign in</button>
</form>
<span id="price">Total: 42 USD</span>
</body></html>`,
	homeURL + "/welcome": `<html><head><title>Welcome</title></head><body><h1 id="greeting">Hello</h1></body></html>`,
}

type fixture struct {
	o       *Orchestrator
	pool    *browser.Pool
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs

	mu       sync.Mutex
	browsers []*mocks.SyntheticBrowser
	onLaunch func(n int, b *mocks.SyntheticBrowser)
}

func newFixture(t *testing.T, size int, cfg config.WorkflowConfig, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{}
	launcher := browser.LauncherFunc(func(ctx context.Context) (schemas.BrowserHandle, error) {
		b := mocks.NewSyntheticBrowser(site)
		f.mu.Lock()
		n := len(f.browsers)
		f.browsers = append(f.browsers, b)
		hook := f.onLaunch
		f.mu.Unlock()
		if hook != nil {
			hook(n, b)
		}
		return b, nil
	})
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	f.logs = logs
	f.metrics = metrics.New(prometheus.NewRegistry())

	pool, err := browser.NewPool(launcher, size, logger, f.metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	f.pool = pool

	f.o, err = New(cfg, pool, logger, append([]Option{WithMetrics(f.metrics)}, opts...)...)
	require.NoError(t, err)
	return f
}

func (f *fixture) browser(i int) *mocks.SyntheticBrowser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.browsers[i]
}

func (f *fixture) launched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.browsers)
}

func stepIDs(res *ExecutionResult) []string {
	out := make([]string, 0, len(res.Steps))
	for _, r := range res.Steps {
		out = append(out, r.StepID)
	}
	return out
}

func run(t *testing.T, f *fixture, tmpl *Template, params map[string]string) *ExecutionResult {
	t.Helper()
	res, err := f.o.Execute(context.Background(), tmpl, params)
	require.NoError(t, err)
	return res
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.WorkflowConfig{}, nil, zap.NewNop())
	assert.Error(t, err)
	pool, err := browser.NewPool(browser.LauncherFunc(func(context.Context) (schemas.BrowserHandle, error) {
		return mocks.NewSyntheticBrowser(nil), nil
	}), 1, nil, nil)
	require.NoError(t, err)
	_, err = New(config.WorkflowConfig{}, pool, nil)
	assert.Error(t, err)
	o, err := New(config.WorkflowConfig{}, pool, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, o.cfg.MaxParallel)
	assert.Equal(t, 30*time.Second, o.cfg.DefaultStepTimeout)
	assert.Equal(t, 100, o.cfg.MaxLoopIterations)
}

func TestExecute_NavigateWaitClick(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{})
	tmpl := &Template{ID: "login", Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
		{ID: "pause", Kind: KindWait, Params: Params{DurationMS: 500}},
		{ID: "submit", Kind: KindClick, Params: Params{Selector: ".login"}},
	}}

	start := time.Now()
	res := run(t, f, tmpl, nil)
	elapsed := time.Since(start)

	assert.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, []string{"open", "pause", "submit"}, stepIDs(res))
	assert.Equal(t, 3, res.Metrics.Succeeded)
	assert.Equal(t, 1.0, res.Metrics.SuccessRate)
	assert.GreaterOrEqual(t, res.Metrics.Duration, 500*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Empty(t, res.Recommendations)

	b := f.browser(0)
	assert.Contains(t, b.Calls(), "Click .login")
	u, _ := b.CurrentURL(context.Background())
	assert.Equal(t, homeURL+"/welcome", u, "submit follows the form action")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StepRuns.WithLabelValues("click", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkflowRuns.WithLabelValues("completed")))
	assert.Equal(t, 1, f.pool.Stats().Idle, "lease released")
}

func newScheduler(t *testing.T) *perception.Scheduler {
	t.Helper()
	cfg := config.NewDefaultConfig().Perception()
	logger := zap.NewNop()
	f := perception.NewFactory(perception.BudgetsFromConfig(cfg.Budgets), nil, logger)
	s, err := perception.NewScheduler(cfg, f, perception.NewCache(cfg.CacheTTL, cfg.CacheCapacity, nil, logger), logger, nil)
	require.NoError(t, err)
	return s
}

func TestExecute_InteractionsFeedSiteContext(t *testing.T) {
	s := newScheduler(t)
	f := newFixture(t, 1, config.WorkflowConfig{}, WithScheduler(s))
	tmpl := &Template{ID: "login", Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
		{ID: "user", Kind: KindType, Params: Params{Selector: "#user", Text: "ada"}},
		{ID: "country", Kind: KindSelect, Params: Params{Selector: "select[name=country]", Value: "no"}},
		{ID: "missing", Kind: KindClick, Params: Params{Selector: "#nope"}, OnFailure: FailurePolicy{Action: FailContinue}},
		{ID: "submit", Kind: KindClick, Params: Params{Selector: ".login"}},
	}}
	res := run(t, f, tmpl, nil)
	require.NotEqual(t, StatusFailed, res.Status, res.Error)
	assert.Equal(t, "submit", res.LastStep())

	site := s.Sites().Snapshot(homeURL)
	require.NotNil(t, site)
	assert.Equal(t, 1, site.Successes["#user"])
	assert.Equal(t, 1, site.Successes["select[name=country]"])
	assert.Equal(t, 1, site.Successes[".login"])
	assert.GreaterOrEqual(t, site.Failures["#nope"], 1)
	assert.Zero(t, site.Successes["#nope"])
	assert.Greater(t, site.Factor(".login"), site.Factor("#nope"))
}

func TestExecute_RetriesThenJumps(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{})
	tmpl := &Template{ID: "jump", Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
		{
			ID: "press", Kind: KindClick, Params: Params{Selector: "#nope"},
			Retry:     &RetryPolicy{MaxRetries: 2, Delay: 200 * time.Millisecond},
			OnFailure: FailurePolicy{Action: FailJump, Target: "report"},
		},
		{ID: "skipped", Kind: KindWait, Params: Params{DurationMS: 1}},
		{ID: "report", Kind: KindScreenshot},
	}}

	res := run(t, f, tmpl, nil)
	assert.NotEqual(t, StatusFailed, res.Status)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "report", res.LastStep())
	assert.Equal(t, []string{"open", "press", "report"}, stepIDs(res))

	press := res.Steps[1]
	assert.False(t, press.Success)
	assert.Equal(t, 2, press.RetriesUsed)
	assert.Equal(t, schemas.KindNotFound, press.ErrorKind)
	assert.GreaterOrEqual(t, press.DurationMS, int64(400))

	clicks := 0
	for _, c := range f.browser(0).Calls() {
		if c == "Click #nope" {
			clicks++
		}
	}
	assert.Equal(t, 3, clicks, "one attempt plus two retries")
	assert.Contains(t, res.Recommendations, "Consider adding more specific selectors for better reliability")
	assert.Contains(t, res.Recommendations, "Review 1 failed steps (press) and add error handling")
}

func TestExecute_FailurePolicies(t *testing.T) {
	missing := Params{Selector: "#nope"}
	tests := []struct {
		name       string
		onFailure  FailurePolicy
		wantStatus Status
		wantSteps  []string
	}{
		{"stop", FailurePolicy{}, StatusFailed, []string{"open", "bad"}},
		{"continue", FailurePolicy{Action: FailContinue}, StatusCompleted, []string{"open", "bad", "after"}},
		{"ignore follows on_success", FailurePolicy{Action: FailIgnore}, StatusCompleted, []string{"open", "bad", "after"}},
		{"recovery steps", FailurePolicy{Action: FailRecovery, Steps: []string{"fix"}}, StatusCompleted, []string{"open", "bad", "fix", "after"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 1, config.WorkflowConfig{})
			tmpl := &Template{ID: "policies", Steps: []Step{
				{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
				{ID: "bad", Kind: KindClick, Params: missing, OnFailure: tc.onFailure},
				{ID: "after", Kind: KindWait, Params: Params{DurationMS: 1}},
				{ID: "fix", Kind: KindScreenshot},
			}}
			if tc.onFailure.Action != FailRecovery {
				tmpl.Steps = tmpl.Steps[:3]
			}
			res := run(t, f, tmpl, nil)
			assert.Equal(t, tc.wantStatus, res.Status)
			assert.Equal(t, tc.wantSteps, stepIDs(res))
			if tc.wantStatus == StatusFailed {
				assert.Equal(t, schemas.KindNotFound, res.ErrorKind)
				assert.Contains(t, res.Error, "#nope")
			}
		})
	}
}

func TestExecute_Preconditions(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{})
	tmpl := &Template{ID: "pre", Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
		{
			ID: "gated", Kind: KindClick, Params: Params{Selector: "#banner"},
			Preconditions: []Condition{{Source: SourceElementExists, Selector: "#banner", Required: true}},
		},
		{
			ID: "advisory", Kind: KindScreenshot,
			Preconditions: []Condition{{Source: SourcePageTitle, Expected: "Elsewhere"}},
		},
	}}
	res := run(t, f, tmpl, nil)
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	require.Len(t, res.Steps, 3)
	assert.True(t, res.Steps[1].Skipped)
	assert.True(t, res.Steps[2].Success, "advisory preconditions do not gate")
	assert.Equal(t, 1, res.Metrics.Skipped)
	assert.Equal(t, 1.0, res.Metrics.SuccessRate)
	assert.NotContains(t, f.browser(0).Calls(), "Click #banner")
}

func TestExecute_ExtractAndBranch(t *testing.T) {
	for _, tc := range []struct {
		threshold string
		want      string
	}{{"40", "expensive"}, {"50", "cheap"}} {
		t.Run(tc.want, func(t *testing.T) {
			f := newFixture(t, 1, config.WorkflowConfig{})
			tmpl := &Template{
				ID:         "branch",
				Parameters: []Parameter{{Name: "threshold", Required: true}},
				Steps: []Step{
					{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
					{ID: "price", Kind: KindExtract, Params: Params{Selector: "#price", Pattern: `(\d+)`}},
					{ID: "route", Kind: KindBranch, Params: Params{
						Cases:   []Case{{When: Condition{Source: SourceVar, Name: "price", Op: OpGt, Expected: "${threshold}"}, Target: "expensive"}},
						Default: "cheap",
					}},
					{ID: "cheap", Kind: KindWait, Params: Params{DurationMS: 1}, Next: EndStep},
					{ID: "expensive", Kind: KindWait, Params: Params{DurationMS: 1}},
				},
			}
			res := run(t, f, tmpl, map[string]string{"threshold": tc.threshold})
			require.Equal(t, StatusCompleted, res.Status, res.Error)
			assert.Equal(t, "42", res.Vars["price"])
			assert.Equal(t, []string{"open", "price", "route", tc.want}, stepIDs(res))
		})
	}
}

func TestExecute_ConditionalTransitions(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{})
	tmpl := &Template{ID: "edges", Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}, OnSuccess: []Transition{
			{Target: "never", When: &Condition{Source: SourcePageTitle, Expected: "Nope"}},
			{Target: "titled", When: &Condition{Source: SourcePageTitle, Expected: "Home"}},
			{Target: "never"},
		}},
		{ID: "never", Kind: KindWait, Params: Params{DurationMS: 1}, Next: EndStep},
		{ID: "titled", Kind: KindWait, Params: Params{DurationMS: 1}, OnSuccess: []Transition{{Target: EndStep}}},
		{ID: "tail", Kind: KindWait, Params: Params{DurationMS: 1}},
	}}
	res := run(t, f, tmpl, nil)
	assert.Equal(t, []string{"open", "titled"}, stepIDs(res))
}

func TestExecute_Loop(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	record := func(_ context.Context, _ schemas.BrowserHandle, args map[string]string) (map[string]string, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, args["i"])
		return map[string]string{"count": fmt.Sprint(len(seen))}, nil
	}
	f := newFixture(t, 1, config.WorkflowConfig{MaxLoopIterations: 4}, WithCustomAction("record", record))

	tmpl := &Template{ID: "loop", Globals: map[string]string{"count": "0"}, Steps: []Step{
		{ID: "times", Kind: KindLoop, Params: Params{Body: []string{"tick"}, Times: 3}},
		{ID: "tick", Kind: KindCustom, Params: Params{Action: "record", Args: map[string]string{"i": "${loop_index}"}}},
		{ID: "until", Kind: KindLoop, Params: Params{Body: []string{"tick"}, While: &Condition{Source: SourceVar, Name: "count", Op: OpLt, Expected: "5"}}},
		{ID: "capped", Kind: KindLoop, Params: Params{Body: []string{"tick"}, While: &Condition{Source: SourceVar, Name: "count", Op: OpExists}}},
	}}
	res := run(t, f, tmpl, nil)
	require.Equal(t, StatusCompleted, res.Status, res.Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0", "1", "2", "0", "1", "0", "1", "2", "3"}, seen)

	outputs := map[string]string{}
	for _, r := range res.Steps {
		if r.Kind == KindLoop {
			outputs[r.StepID] = r.Outputs["iterations"]
		}
	}
	assert.Equal(t, map[string]string{"times": "3", "until": "2", "capped": "4"}, outputs)
}

func TestExecute_ParallelUsesSeparateHandles(t *testing.T) {
	var mu sync.Mutex
	handles := map[string]bool{}
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	meet := func(ctx context.Context, h schemas.BrowserHandle, _ map[string]string) (map[string]string, error) {
		mu.Lock()
		handles[fmt.Sprintf("%p", h)] = true
		mu.Unlock()
		started <- struct{}{}
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := newFixture(t, 2, config.WorkflowConfig{MaxParallel: 2}, WithCustomAction("meet", meet))
	go func() {
		<-started
		<-started
		close(release)
	}()

	tmpl := &Template{ID: "par", Steps: []Step{
		{ID: "fan", Kind: KindParallel, Params: Params{Branches: [][]string{{"a"}, {"b"}}}, Timeout: 5 * time.Second},
		{ID: "a", Kind: KindCustom, Params: Params{Action: "meet"}},
		{ID: "b", Kind: KindCustom, Params: Params{Action: "meet"}},
	}}
	res := run(t, f, tmpl, nil)
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Len(t, handles, 2)
	assert.Equal(t, 2, f.launched())
	assert.Equal(t, 2, f.pool.Stats().Idle)
}

func TestExecute_ParallelOnBusyPoolRunsSequentially(t *testing.T) {
	var mu sync.Mutex
	var order []string
	note := func(_ context.Context, _ schemas.BrowserHandle, args map[string]string) (map[string]string, error) {
		mu.Lock()
		order = append(order, args["n"])
		mu.Unlock()
		return nil, nil
	}
	f := newFixture(t, 1, config.WorkflowConfig{}, WithCustomAction("note", note))
	tmpl := &Template{ID: "par", Steps: []Step{
		{ID: "fan", Kind: KindParallel, Params: Params{Branches: [][]string{{"a1", "a2"}, {"b1"}}}},
		{ID: "a1", Kind: KindCustom, Params: Params{Action: "note", Args: map[string]string{"n": "a1"}}},
		{ID: "a2", Kind: KindCustom, Params: Params{Action: "note", Args: map[string]string{"n": "a2"}}},
		{ID: "b1", Kind: KindCustom, Params: Params{Action: "note", Args: map[string]string{"n": "b1"}}},
	}}
	res := run(t, f, tmpl, nil)
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.ElementsMatch(t, []string{"a1", "a2", "b1"}, order)
	assert.Equal(t, 1, f.launched())
}

func TestExecute_ParallelBranchFailure(t *testing.T) {
	f := newFixture(t, 2, config.WorkflowConfig{})
	tmpl := &Template{ID: "par", Steps: []Step{
		{ID: "fan", Kind: KindParallel, Params: Params{Branches: [][]string{{"ok"}, {"boom"}}}},
		{ID: "ok", Kind: KindWait, Params: Params{DurationMS: 1}},
		{ID: "boom", Kind: KindCustom, Params: Params{Action: "unregistered"}},
	}}
	res := run(t, f, tmpl, nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, schemas.KindValidationFailed, res.ErrorKind)
	assert.Contains(t, res.Error, "unregistered")
}

func TestExecute_SmartFill(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{})
	tmpl := &Template{ID: "fill", Parameters: []Parameter{{Name: "user", Default: "alice"}}, Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
		{ID: "fill", Kind: KindSmartFill, Params: Params{FormData: map[string]string{
			"username": "${user}",
			"Password": "s3cret",
			"country":  "no",
		}}},
		{ID: "type", Kind: KindType, Params: Params{Selector: "#user", Text: "-x", ClearFirst: new(bool)}},
	}}
	res := run(t, f, tmpl, nil)
	require.Equal(t, StatusCompleted, res.Status, res.Error)

	b := f.browser(0)
	assert.Equal(t, "alice-x", b.Value("#user"), "clear_first false appends")
	assert.Equal(t, "s3cret", b.Value(`[name="password"]`))
	assert.Equal(t, "no", b.Value(`select[name="country"]`))
	assert.Equal(t, "3", res.Steps[1].Outputs["filled"])
}

func TestExecute_ScriptScreenshotAndValidate(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{CaptureScreenshots: true})
	f.onLaunch = func(_ int, b *mocks.SyntheticBrowser) {
		b.OnScript("window.cartSize", []byte(`3`))
	}
	tmpl := &Template{
		ID:              "misc",
		SuccessCriteria: []Condition{{Source: SourceVar, Name: "size", Op: OpGte, Expected: "3"}},
		Steps: []Step{
			{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
			{ID: "size", Kind: KindScript, Params: Params{Src: "window.cartSize", StoreAs: "size"}},
			{ID: "title", Kind: KindExtract, Params: Params{Pattern: `<title>([^<]+)</title>`, StoreAs: "page_title"}},
			{ID: "check", Kind: KindValidate, Params: Params{Condition: &Condition{Source: SourceVar, Name: "page_title", Expected: "Home"}}},
			{ID: "shot", Kind: KindScreenshot, Params: Params{FullPage: true}},
		},
	}
	res := run(t, f, tmpl, nil)
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, "3", res.Vars["size"])
	assert.Equal(t, "Home", res.Vars["page_title"])
	shot := res.Steps[4]
	assert.NotEmpty(t, shot.Outputs["screenshot"])
	assert.NotEqual(t, "0", shot.Outputs["bytes"])
}

func TestExecute_SuccessCriteriaFail(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{})
	tmpl := &Template{
		ID:              "criteria",
		SuccessCriteria: []Condition{{Source: SourceElementExists, Selector: "#greeting"}},
		Steps:           []Step{{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}}},
	}
	res := run(t, f, tmpl, nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, schemas.KindValidationFailed, res.ErrorKind)
}

func TestExecute_ParametersAndVariables(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{})
	tmpl := &Template{ID: "params", Parameters: []Parameter{{Name: "target", Required: true}}, Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: "${target}"}},
	}}
	_, err := f.o.Execute(context.Background(), tmpl, nil)
	require.Error(t, err)
	assert.Equal(t, schemas.KindValidationFailed, schemas.KindOf(err))

	_, err = f.o.Execute(context.Background(), &Template{ID: "bad"}, nil)
	assert.Equal(t, schemas.KindValidationFailed, schemas.KindOf(err))

	undefined := &Template{ID: "undef", MaxRetries: 3, Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: "${nowhere}"}},
	}}
	res := run(t, f, undefined, nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, schemas.KindVariableUndefined, res.ErrorKind)
	assert.Equal(t, 0, res.Steps[0].RetriesUsed, "undefined variables are not retried")
}

func TestExecute_StepTimeout(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{})
	tmpl := &Template{ID: "slow", Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
		{ID: "await", Kind: KindWait, Params: Params{Selector: "#greeting"}, Timeout: 50 * time.Millisecond},
	}}
	res := run(t, f, tmpl, nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, schemas.KindTimeout, res.ErrorKind)
}

func TestExecute_TotalTimeout(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{})
	tmpl := &Template{ID: "slow", TotalTimeout: 100 * time.Millisecond, Steps: []Step{
		{ID: "nap", Kind: KindWait, Params: Params{DurationMS: 5000}},
		{ID: "after", Kind: KindWait, Params: Params{DurationMS: 1}},
	}}
	start := time.Now()
	res := run(t, f, tmpl, nil)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, schemas.KindTimeout, res.ErrorKind)
	assert.Contains(t, res.Error, "total timeout")
	assert.Equal(t, []string{"nap"}, stepIDs(res))
}

func TestExecute_Cancelled(t *testing.T) {
	f := newFixture(t, 1, config.WorkflowConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.o.Execute(ctx, &Template{ID: "c", Steps: []Step{wait("a")}}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Steps)
}

func TestExecute_RecoveryRestartsBrowser(t *testing.T) {
	strategy := recovery.Strategy{Name: "restart", MaxRetries: 1, Actions: []recovery.Action{recovery.RestartBrowser(), recovery.Retry(time.Millisecond)}}
	var opts []recovery.Option
	for _, c := range []recovery.Category{recovery.CategoryNetwork, recovery.CategoryBrowser, recovery.CategoryUnknown, recovery.CategoryExecution} {
		opts = append(opts, recovery.WithStrategy(c, strategy))
	}
	mgr := recovery.NewManager(config.NewDefaultConfig().Recovery(), zap.NewNop(), opts...)

	f := newFixture(t, 1, config.WorkflowConfig{}, WithRecovery(mgr))
	f.onLaunch = func(n int, b *mocks.SyntheticBrowser) {
		if n == 0 {
			b.FailNext("Navigate", errors.New("net::ERR_CONNECTION_RESET"))
		}
	}
	tmpl := &Template{ID: "recover", Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
		{ID: "submit", Kind: KindClick, Params: Params{Selector: ".login"}},
	}}
	res := run(t, f, tmpl, nil)

	require.Equal(t, StatusPartiallyCompleted, res.Status, res.Error)
	require.Len(t, res.RecoveryIDs, 1)
	assert.Equal(t, 2, f.launched(), "browser replaced")
	assert.True(t, f.browser(0).Closed())
	require.Len(t, res.Steps, 3)
	assert.False(t, res.Steps[0].Success)
	assert.True(t, res.Steps[1].Recovered)
	assert.Equal(t, 1, res.Metrics.Recovered)
	assert.Contains(t, f.browser(1).Calls(), "Click .login")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkflowRuns.WithLabelValues("partially_completed")))

	disabled := &Template{ID: "no-recover", ErrorHandling: ErrorHandling{DisableRecovery: true, ScreenshotOnFailure: true}, Steps: tmpl.Steps}
	f.browser(1).FailNext("Navigate", errors.New("net::ERR_CONNECTION_RESET"))
	res = run(t, f, disabled, nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.RecoveryIDs)
	assert.NotEmpty(t, res.Steps[0].Outputs["failure_screenshot"])
}

type memorySink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (m *memorySink) SaveSnapshot(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, s)
	return nil
}

func (m *memorySink) last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[len(m.snaps)-1]
}

func TestResume_FromSnapshot(t *testing.T) {
	sink := &memorySink{}
	f := newFixture(t, 1, config.WorkflowConfig{}, WithSnapshots(sink))
	tmpl := &Template{ID: "resumable", Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
		{ID: "gate", Kind: KindValidate, Params: Params{Condition: &Condition{Source: SourceVar, Name: "approved"}}},
		{ID: "submit", Kind: KindClick, Params: Params{Selector: ".login"}},
	}}

	first := run(t, f, tmpl, nil)
	require.Equal(t, StatusFailed, first.Status)

	snap := sink.last()
	assert.Equal(t, "gate", snap.CurrentStep)
	assert.Equal(t, first.ExecutionID, snap.ExecutionID)
	assert.Equal(t, StatusFailed, snap.Status)

	snap.Vars["approved"] = "yes"
	b, err := snap.Encode()
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(b)
	require.NoError(t, err)

	// The fresh lease still shows the page from the first run.
	second, err := f.o.Resume(context.Background(), tmpl, decoded, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, second.Status, second.Error)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, []string{"open", "gate", "gate", "submit"}, stepIDs(second))

	decoded.WorkflowID = "other"
	_, err = f.o.Resume(context.Background(), tmpl, decoded, nil)
	assert.Equal(t, schemas.KindValidationFailed, schemas.KindOf(err))
}

func TestExecute_PublishesEvents(t *testing.T) {
	eb := bus.New(zap.NewNop(), 16)
	defer eb.Shutdown()
	events, detach := eb.Subscribe(schemas.EventStepCompleted, schemas.EventWorkflowCompleted)
	defer detach()

	f := newFixture(t, 1, config.WorkflowConfig{}, WithBus(eb))
	tmpl := &Template{ID: "events", TaskType: "navigation", Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
		{ID: "bad", Kind: KindClick, Params: Params{Selector: "#nope"}, OnFailure: FailurePolicy{Action: FailContinue}},
	}}
	res := run(t, f, tmpl, nil)

	var steps []schemas.StepEvent
	var done *schemas.WorkflowEvent
	for done == nil {
		select {
		case ev := <-events:
			switch p := ev.Payload.(type) {
			case schemas.StepEvent:
				steps = append(steps, p)
			case schemas.WorkflowEvent:
				done = &p
			}
			eb.Ack(ev)
		case <-time.After(2 * time.Second):
			t.Fatal("workflow event not delivered")
		}
	}
	require.Len(t, steps, 2)
	assert.Equal(t, "open", steps[0].StepID)
	assert.True(t, steps[0].Success)
	assert.Equal(t, schemas.KindNotFound, steps[1].ErrorKind)

	assert.Equal(t, res.ExecutionID, done.ExecutionID)
	assert.Equal(t, string(StatusCompleted), done.Status)
	assert.Equal(t, 1, done.StepsCompleted)
	assert.Equal(t, 1, done.StepsFailed)
	assert.Equal(t, []string{string(schemas.KindNotFound)}, done.ErrorKinds)
	assert.Equal(t, homeURL, done.PageURL)
	assert.Equal(t, "navigation", done.TaskType)
}

type fixedAdvisor []learner.Recommendation

func (a fixedAdvisor) Recommendations(learner.Features) []learner.Recommendation { return a }

func TestExecute_LearnedRecommendations(t *testing.T) {
	adv := fixedAdvisor{
		{PatternID: "p1", Action: learner.Action{Type: "change_perception_level", Params: map[string]string{"tier": "standard"}}, Confidence: 0.9},
		{PatternID: "p2", Action: learner.Action{Type: "change_perception_level", Params: map[string]string{"tier": "standard"}}, Confidence: 0.9},
	}
	f := newFixture(t, 1, config.WorkflowConfig{}, WithAdvisor(adv))
	res := run(t, f, &Template{ID: "adv", Steps: []Step{wait("a")}}, nil)
	assert.Equal(t, []string{"Learned: change_perception_level(standard) (confidence 0.90)"}, res.Recommendations)
}

func TestExecute_Decide(t *testing.T) {
	p := new(mocks.MockProvider)
	intent := schemas.Intent{Type: "click", Target: "sign in"}
	p.On("UnderstandIntent", mock.Anything, "sign in", mock.Anything).Return(intent, schemas.CallMeta{Provider: "mock"}, nil)
	p.On("CreatePlan", mock.Anything, intent, mock.Anything).Return(schemas.Plan{Actions: []schemas.PlannedAction{
		{ActionType: "click", Selector: ".login", Confidence: 0.9},
	}}, schemas.CallMeta{Provider: "mock"}, nil)
	p.On("GenerateCreative", mock.Anything, mock.Anything, mock.Anything).Return(schemas.Solution{}, schemas.CallMeta{}, nil).Maybe()
	d, err := decision.New(p, zap.NewNop())
	require.NoError(t, err)

	f := newFixture(t, 1, config.WorkflowConfig{}, WithDecider(d))
	tmpl := &Template{ID: "decide", Steps: []Step{
		{ID: "open", Kind: KindNavigate, Params: Params{URL: homeURL}},
		{ID: "think", Kind: KindDecide, Params: Params{Goal: "sign in", StoreAs: "next"}},
		{ID: "act", Kind: KindClick, Params: Params{Selector: "${next}"}},
	}}
	res := run(t, f, tmpl, nil)
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, ".login", res.Vars["next"])
	assert.Equal(t, "click", res.Vars["next.action"])
	assert.Contains(t, f.browser(0).Calls(), "Click .login")
	p.AssertExpectations(t)

	plain := newFixture(t, 1, config.WorkflowConfig{})
	res = run(t, plain, tmpl, nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, schemas.KindInternal, res.ErrorKind)
}
