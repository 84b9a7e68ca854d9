// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Redis() config.RedisConfig {
	args := m.Called()
	return args.Get(0).(config.RedisConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Perception() config.PerceptionConfig {
	args := m.Called()
	return args.Get(0).(config.PerceptionConfig)
}

func (m *MockConfig) Resolver() config.ResolverConfig {
	args := m.Called()
	return args.Get(0).(config.ResolverConfig)
}

func (m *MockConfig) Decision() config.DecisionConfig {
	args := m.Called()
	return args.Get(0).(config.DecisionConfig)
}

func (m *MockConfig) Workflow() config.WorkflowConfig {
	args := m.Called()
	return args.Get(0).(config.WorkflowConfig)
}

func (m *MockConfig) Recovery() config.RecoveryConfig {
	args := m.Called()
	return args.Get(0).(config.RecoveryConfig)
}

func (m *MockConfig) Learner() config.LearnerConfig {
	args := m.Called()
	return args.Get(0).(config.LearnerConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

// --- Setters ---

func (m *MockConfig) SetEngineWorkerConcurrency(n int)     { m.Called(n) }
func (m *MockConfig) SetBrowserHeadless(b bool)            { m.Called(b) }
func (m *MockConfig) SetBrowserPoolSize(n int)             { m.Called(n) }
func (m *MockConfig) SetDecisionProviders(p []string)      { m.Called(p) }
func (m *MockConfig) SetWorkflowStepDelay(d time.Duration) { m.Called(d) }

// -- Browser Handle Mock --

// MockBrowserHandle mocks schemas.BrowserHandle.
type MockBrowserHandle struct {
	mock.Mock
}

var _ schemas.BrowserHandle = (*MockBrowserHandle)(nil)

func (m *MockBrowserHandle) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockBrowserHandle) Click(ctx context.Context, selector string, opts schemas.ClickOptions) error {
	return m.Called(ctx, selector, opts).Error(0)
}

func (m *MockBrowserHandle) Type(ctx context.Context, selector, text string, clearFirst bool) error {
	return m.Called(ctx, selector, text, clearFirst).Error(0)
}

func (m *MockBrowserHandle) Select(ctx context.Context, selector, value string) error {
	return m.Called(ctx, selector, value).Error(0)
}

func (m *MockBrowserHandle) ExecuteScript(ctx context.Context, src string) (json.RawMessage, error) {
	args := m.Called(ctx, src)
	var raw json.RawMessage
	if v := args.Get(0); v != nil {
		raw = v.(json.RawMessage)
	}
	return raw, args.Error(1)
}

func (m *MockBrowserHandle) Screenshot(ctx context.Context, opts schemas.ScreenshotOptions) ([]byte, error) {
	args := m.Called(ctx, opts)
	var b []byte
	if v := args.Get(0); v != nil {
		b = v.([]byte)
	}
	return b, args.Error(1)
}

func (m *MockBrowserHandle) WaitForSelector(ctx context.Context, selector string, strategy schemas.WaitStrategy, timeout time.Duration) error {
	return m.Called(ctx, selector, strategy, timeout).Error(0)
}

func (m *MockBrowserHandle) FindElements(ctx context.Context, selector string) ([]schemas.ElementInfo, error) {
	args := m.Called(ctx, selector)
	var els []schemas.ElementInfo
	if v := args.Get(0); v != nil {
		els = v.([]schemas.ElementInfo)
	}
	return els, args.Error(1)
}

func (m *MockBrowserHandle) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowserHandle) Title(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowserHandle) Close() error {
	return m.Called().Error(0)
}

// -- Provider Mock --

// MockProvider mocks schemas.Provider with testify expectations. For a
// deterministic working provider use llmclient.MockProvider instead.
type MockProvider struct {
	mock.Mock
}

var _ schemas.Provider = (*MockProvider)(nil)

func (m *MockProvider) Name() string {
	return m.Called().String(0)
}

func (m *MockProvider) UnderstandIntent(ctx context.Context, input string, ic schemas.IntentContext) (schemas.Intent, schemas.CallMeta, error) {
	args := m.Called(ctx, input, ic)
	return args.Get(0).(schemas.Intent), args.Get(1).(schemas.CallMeta), args.Error(2)
}

func (m *MockProvider) CreatePlan(ctx context.Context, intent schemas.Intent, pc schemas.PlanContext) (schemas.Plan, schemas.CallMeta, error) {
	args := m.Called(ctx, intent, pc)
	return args.Get(0).(schemas.Plan), args.Get(1).(schemas.CallMeta), args.Error(2)
}

func (m *MockProvider) GenerateCreative(ctx context.Context, problem string, constraints []string) (schemas.Solution, schemas.CallMeta, error) {
	args := m.Called(ctx, problem, constraints)
	return args.Get(0).(schemas.Solution), args.Get(1).(schemas.CallMeta), args.Error(2)
}

func (m *MockProvider) HealthCheck(ctx context.Context) (schemas.Health, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.Health), args.Error(1)
}
