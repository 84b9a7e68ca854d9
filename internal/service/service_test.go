package service

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/perception"
	"github.com/xkilldash9x/webpilot/internal/workflow"
)

const (
	homeURL  = "https://shop.test"
	homeHTML = `<html><head><title>Shop</title></head><body>
<h1>Shop</h1><a id="cart" href="/cart">Cart</a>
<form id="search"><input name="q" placeholder="Search"><button type="submit">Go</button></form>
</body></html>`
	cartHTML = `<html><head><title>Cart</title></head><body><p>Empty</p></body></html>`
)

func testPages() map[string]string {
	return map[string]string{homeURL: homeHTML, homeURL + "/cart": cartHTML}
}

func TestBuild_NilConfig(t *testing.T) {
	c, err := Build(context.Background(), nil, zap.NewNop(), Options{})
	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestBuild_OfflineRunsWorkflow(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.MetricsCfg.Enabled = true

	c, err := Build(context.Background(), cfg, zap.NewNop(), Options{Pages: testPages()})
	require.NoError(t, err)
	defer c.Shutdown()

	require.NotNil(t, c.Orchestrator)
	assert.Nil(t, c.Store, "no database configured")
	assert.Nil(t, c.Redis)

	tmpl := &workflow.Template{ID: "cart", TaskType: "navigation", Steps: []workflow.Step{
		{ID: "open", Kind: workflow.KindNavigate, Params: workflow.Params{URL: homeURL}},
		{ID: "go", Kind: workflow.KindClick, Params: workflow.Params{Selector: "#cart"}},
	}, SuccessCriteria: []workflow.Condition{{Source: workflow.SourcePageTitle, Expected: "Cart"}}}

	res, err := c.Orchestrator.Execute(context.Background(), tmpl, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, res.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics.WorkflowRuns.WithLabelValues(string(workflow.StatusCompleted))))
	assert.Nil(t, c.ApplyLearning("navigation"), "auto apply is off by default")
}

func TestBuild_RedisBacksPerceptionCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.NewDefaultConfig()
	cfg.RedisCfg.Addr = mr.Addr()

	c, err := Build(context.Background(), cfg, zap.NewNop(), Options{Pages: testPages()})
	require.NoError(t, err)
	defer c.Shutdown()
	require.NotNil(t, c.Redis)

	lease, err := c.Pool.Acquire(context.Background())
	require.NoError(t, err)
	res, err := c.Scheduler.Schedule(context.Background(), lease.Handle(), perception.Request{
		URL: homeURL, Tier: perception.Quick, Navigate: true,
	})
	lease.Release()
	require.NoError(t, err)
	assert.Equal(t, "Shop", res.Title)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], cfg.RedisCfg.KeyPrefix))
	assert.Contains(t, keys[0], perception.RemoteKey(homeURL, perception.Quick))
}

func TestBuild_FailuresShutDownPartialComponents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{
			name:   "unreachable redis",
			mutate: func(c *config.Config) { c.RedisCfg.Addr = "127.0.0.1:1" },
			errMsg: "redis",
		},
		{
			name:   "unknown provider",
			mutate: func(c *config.Config) { c.SetDecisionProviders([]string{"nope"}) },
			errMsg: "decision providers",
		},
		{
			name:   "malformed database url",
			mutate: func(c *config.Config) { c.DatabaseCfg.URL = "postgres://user:pa ss@%zz/db" },
			errMsg: "database url",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			cfg := config.NewDefaultConfig()
			tt.mutate(cfg)

			c, err := Build(context.Background(), cfg, zap.New(core), Options{Offline: true})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Nil(t, c)
			assert.Equal(t, 1, logs.FilterMessageSnippet("shutting down partially created components").Len())
		})
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	c, err := Build(context.Background(), config.NewDefaultConfig(), zap.NewNop(), Options{Offline: true})
	require.NoError(t, err)
	c.Shutdown()
	assert.NotPanics(t, c.Shutdown)
}

func TestDecodePages(t *testing.T) {
	pages, err := DecodePages(strings.NewReader(`
"https://a.test": "<html><title>A</title></html>"
"https://b.test": |
  <html><title>B</title></html>
`))
	require.NoError(t, err)
	assert.Len(t, pages, 2)
	assert.Contains(t, pages["https://b.test"], "<title>B</title>")

	empty, err := DecodePages(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodePages(strings.NewReader("- not\n- a map\n"))
	assert.Error(t, err)
}
