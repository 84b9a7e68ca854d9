// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on this rather than *Config so tests can swap values in.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Redis() RedisConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Perception() PerceptionConfig
	Resolver() ResolverConfig
	Decision() DecisionConfig
	Workflow() WorkflowConfig
	Recovery() RecoveryConfig
	Learner() LearnerConfig
	Metrics() MetricsConfig

	// Setters used by CLI flag overrides.
	SetEngineWorkerConcurrency(int)
	SetBrowserHeadless(bool)
	SetBrowserPoolSize(int)
	SetDecisionProviders([]string)
	SetWorkflowStepDelay(time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	RedisCfg      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	EngineCfg     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	PerceptionCfg PerceptionConfig `mapstructure:"perception" yaml:"perception"`
	ResolverCfg   ResolverConfig   `mapstructure:"resolver" yaml:"resolver"`
	DecisionCfg   DecisionConfig   `mapstructure:"decision" yaml:"decision"`
	WorkflowCfg   WorkflowConfig   `mapstructure:"workflow" yaml:"workflow"`
	RecoveryCfg   RecoveryConfig   `mapstructure:"recovery" yaml:"recovery"`
	LearnerCfg    LearnerConfig    `mapstructure:"learner" yaml:"learner"`
	MetricsCfg    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// --- Getters ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Redis() RedisConfig           { return c.RedisCfg }
func (c *Config) Engine() EngineConfig         { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Perception() PerceptionConfig { return c.PerceptionCfg }
func (c *Config) Resolver() ResolverConfig     { return c.ResolverCfg }
func (c *Config) Decision() DecisionConfig     { return c.DecisionCfg }
func (c *Config) Workflow() WorkflowConfig     { return c.WorkflowCfg }
func (c *Config) Recovery() RecoveryConfig     { return c.RecoveryCfg }
func (c *Config) Learner() LearnerConfig       { return c.LearnerCfg }
func (c *Config) Metrics() MetricsConfig       { return c.MetricsCfg }

// --- Setters ---

func (c *Config) SetEngineWorkerConcurrency(w int)     { c.EngineCfg.WorkerConcurrency = w }
func (c *Config) SetBrowserHeadless(b bool)            { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserPoolSize(n int)             { c.BrowserCfg.PoolSize = n }
func (c *Config) SetDecisionProviders(p []string)      { c.DecisionCfg.Providers = p }
func (c *Config) SetWorkflowStepDelay(d time.Duration) { c.WorkflowCfg.StepDelay = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the PostgreSQL connection string. Empty disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// RedisConfig configures the optional second level perception cache.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"-"`
	DB        int           `mapstructure:"db" yaml:"db"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// EngineConfig configures the workflow worker pool.
type EngineConfig struct {
	QueueSize              int           `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerConcurrency      int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	DefaultWorkflowTimeout time.Duration `mapstructure:"default_workflow_timeout" yaml:"default_workflow_timeout"`
}

// BrowserConfig holds settings for the pooled browser handles.
type BrowserConfig struct {
	Headless       bool           `mapstructure:"headless" yaml:"headless"`
	PoolSize       int            `mapstructure:"pool_size" yaml:"pool_size"`
	AcquireTimeout time.Duration  `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	ExecPath       string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args           []string       `mapstructure:"args" yaml:"args"`
	Viewport       map[string]int `mapstructure:"viewport" yaml:"viewport"`
	UserAgent      string         `mapstructure:"user_agent" yaml:"user_agent"`
	ActionTimeout  time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// TierBudgets are the soft latency budgets for each perception tier.
type TierBudgets struct {
	Lightning time.Duration `mapstructure:"lightning" yaml:"lightning"`
	Quick     time.Duration `mapstructure:"quick" yaml:"quick"`
	Standard  time.Duration `mapstructure:"standard" yaml:"standard"`
	Deep      time.Duration `mapstructure:"deep" yaml:"deep"`
}

// PerceptionConfig tunes the scheduler and its cache.
type PerceptionConfig struct {
	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CacheCapacity int           `mapstructure:"cache_capacity" yaml:"cache_capacity"`
	// Fallback is one of stop_on_timeout, continue_with_partial, retry_lower_tier, use_cache.
	Fallback string `mapstructure:"fallback" yaml:"fallback"`
	// Strategy is one of single_layer, cascading, parallel, hybrid.
	Strategy    string      `mapstructure:"strategy" yaml:"strategy"`
	HistorySize int         `mapstructure:"history_size" yaml:"history_size"`
	Budgets     TierBudgets `mapstructure:"budgets" yaml:"budgets"`
}

// ResolverConfig tunes the natural language element resolver.
type ResolverConfig struct {
	CacheTTL        time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	MaxAlternatives int           `mapstructure:"max_alternatives" yaml:"max_alternatives"`
}

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int32         `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// CostPer1KTokens feeds the cost_optimized routing policy.
	CostPer1KTokens float64 `mapstructure:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
}

// DecisionConfig configures provider routing for the decision step.
type DecisionConfig struct {
	// Policy is one of cost_optimized, performance_first, balanced, task_specialized, adaptive.
	Policy    string       `mapstructure:"policy" yaml:"policy"`
	Providers []string     `mapstructure:"providers" yaml:"providers"`
	RateLimit float64      `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int          `mapstructure:"rate_burst" yaml:"rate_burst"`
	Gemini    GeminiConfig `mapstructure:"gemini" yaml:"gemini"`
}

// WorkflowConfig holds orchestrator defaults.
type WorkflowConfig struct {
	StepDelay          time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	MaxParallel        int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	CaptureScreenshots bool          `mapstructure:"capture_screenshots" yaml:"capture_screenshots"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout" yaml:"default_step_timeout"`
	MaxLoopIterations  int           `mapstructure:"max_loop_iterations" yaml:"max_loop_iterations"`
}

// RecoveryConfig tunes the error recovery manager and its circuit breakers.
type RecoveryConfig struct {
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts" yaml:"max_recovery_attempts"`
	RecoveryTimeout     time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
	MaxHistory          int           `mapstructure:"max_history" yaml:"max_history"`
	BreakerThreshold    int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerResetAfter   time.Duration `mapstructure:"breaker_reset_after" yaml:"breaker_reset_after"`
}

// LearnerConfig tunes the adaptive learner.
type LearnerConfig struct {
	MaxMemory                 int           `mapstructure:"max_memory" yaml:"max_memory"`
	ConfidenceThreshold       float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	LearningRate              float64       `mapstructure:"learning_rate" yaml:"learning_rate"`
	PatternStabilityThreshold int           `mapstructure:"pattern_stability_threshold" yaml:"pattern_stability_threshold"`
	CycleEvery                int           `mapstructure:"cycle_every" yaml:"cycle_every"`
	TemporalDecay             float64       `mapstructure:"temporal_decay" yaml:"temporal_decay"`
	TrackFeatureImportance    bool          `mapstructure:"track_feature_importance" yaml:"track_feature_importance"`
	AutoApply                 bool          `mapstructure:"auto_apply" yaml:"auto_apply"`
	RecommendationTTL         time.Duration `mapstructure:"recommendation_ttl" yaml:"recommendation_ttl"`
}

// MetricsConfig toggles Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		// Defaults are static, so this only fires on a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "webpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Persistence --
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "webpilot:perception:")
	v.SetDefault("redis.ttl", "60s")

	// -- Engine --
	v.SetDefault("engine.queue_size", 64)
	v.SetDefault("engine.worker_concurrency", 4)
	v.SetDefault("engine.default_workflow_timeout", "5m")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.pool_size", 2)
	v.SetDefault("browser.acquire_timeout", "30s")
	v.SetDefault("browser.action_timeout", "15s")
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})

	// -- Perception --
	v.SetDefault("perception.cache_ttl", "60s")
	v.SetDefault("perception.cache_capacity", 100)
	v.SetDefault("perception.fallback", "continue_with_partial")
	v.SetDefault("perception.strategy", "single_layer")
	v.SetDefault("perception.history_size", 1000)
	v.SetDefault("perception.budgets.lightning", "50ms")
	v.SetDefault("perception.budgets.quick", "200ms")
	v.SetDefault("perception.budgets.standard", "500ms")
	v.SetDefault("perception.budgets.deep", "1000ms")

	// -- Resolver --
	v.SetDefault("resolver.cache_ttl", "60s")
	v.SetDefault("resolver.max_alternatives", 3)

	// -- Decision --
	v.SetDefault("decision.policy", "balanced")
	v.SetDefault("decision.providers", []string{"mock"})
	v.SetDefault("decision.rate_limit", 5.0)
	v.SetDefault("decision.rate_burst", 5)
	v.SetDefault("decision.gemini.model", "gemini-2.5-flash")
	v.SetDefault("decision.gemini.temperature", 0.2)
	v.SetDefault("decision.gemini.max_tokens", 2048)
	v.SetDefault("decision.gemini.timeout", "60s")
	v.SetDefault("decision.gemini.cost_per_1k_tokens", 0.0003)

	// -- Workflow --
	v.SetDefault("workflow.step_delay", "0s")
	v.SetDefault("workflow.max_parallel", 3)
	v.SetDefault("workflow.capture_screenshots", false)
	v.SetDefault("workflow.default_step_timeout", "30s")
	v.SetDefault("workflow.max_loop_iterations", 100)

	// -- Recovery --
	v.SetDefault("recovery.max_recovery_attempts", 3)
	v.SetDefault("recovery.recovery_timeout", "30s")
	v.SetDefault("recovery.max_history", 1000)
	v.SetDefault("recovery.breaker_threshold", 5)
	v.SetDefault("recovery.breaker_reset_after", "300s")

	// -- Learner --
	v.SetDefault("learner.max_memory", 10000)
	v.SetDefault("learner.confidence_threshold", 0.75)
	v.SetDefault("learner.learning_rate", 0.01)
	v.SetDefault("learner.pattern_stability_threshold", 10)
	v.SetDefault("learner.cycle_every", 100)
	v.SetDefault("learner.temporal_decay", 0.95)
	v.SetDefault("learner.track_feature_importance", true)
	v.SetDefault("learner.auto_apply", false)
	v.SetDefault("learner.recommendation_ttl", "60s")

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
}

// NewConfigFromViper creates a validated configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment only.
	_ = v.BindEnv("decision.gemini.api_key", "WEBPILOT_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("database.url", "WEBPILOT_DATABASE_URL")
	_ = v.BindEnv("redis.password", "WEBPILOT_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var (
	validFallbacks = map[string]bool{
		"stop_on_timeout": true, "continue_with_partial": true, "retry_lower_tier": true, "use_cache": true,
	}
	validStrategies = map[string]bool{
		"single_layer": true, "cascading": true, "parallel": true, "hybrid": true,
	}
	validPolicies = map[string]bool{
		"cost_optimized": true, "performance_first": true, "balanced": true, "task_specialized": true, "adaptive": true,
	}
)

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.BrowserCfg.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be a positive integer")
	}
	if err := c.PerceptionCfg.Validate(); err != nil {
		return fmt.Errorf("perception configuration invalid: %w", err)
	}
	if !validPolicies[c.DecisionCfg.Policy] {
		return fmt.Errorf("decision.policy %q is not recognised", c.DecisionCfg.Policy)
	}
	if c.RecoveryCfg.BreakerThreshold <= 0 {
		return fmt.Errorf("recovery.breaker_threshold must be a positive integer")
	}
	if err := c.LearnerCfg.Validate(); err != nil {
		return fmt.Errorf("learner configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the perception settings.
func (p *PerceptionConfig) Validate() error {
	if p.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be a positive integer")
	}
	if p.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be a positive duration")
	}
	if !validFallbacks[p.Fallback] {
		return fmt.Errorf("fallback %q is not recognised", p.Fallback)
	}
	if !validStrategies[p.Strategy] {
		return fmt.Errorf("strategy %q is not recognised", p.Strategy)
	}
	return nil
}

// Validate checks the learner settings.
func (l *LearnerConfig) Validate() error {
	if l.MaxMemory <= 0 {
		return fmt.Errorf("max_memory must be a positive integer")
	}
	if l.ConfidenceThreshold < 0.0 || l.ConfidenceThreshold > 1.0 {
		return fmt.Errorf("confidence_threshold must be between 0.0 and 1.0")
	}
	if l.CycleEvery <= 0 {
		return fmt.Errorf("cycle_every must be a positive integer")
	}
	return nil
}
