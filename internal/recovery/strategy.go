package recovery

import (
	"math"
	"time"
)

// ActionKind names a recovery action.
type ActionKind string

const (
	ActionRetry               ActionKind = "retry"
	ActionCleanupResources    ActionKind = "cleanup_resources"
	ActionResetConfig         ActionKind = "reset_config"
	ActionRestartBrowser      ActionKind = "restart_browser"
	ActionSwitchLLMProvider   ActionKind = "switch_llm_provider"
	ActionClearCache          ActionKind = "clear_cache"
	ActionReduceResourceUsage ActionKind = "reduce_resource_usage"
	ActionWaitForResources    ActionKind = "wait_for_resources"
	ActionSendAlert           ActionKind = "send_alert"
	ActionLogError            ActionKind = "log_error"
)

// Action is one step of a recovery strategy. Only the fields relevant to
// Kind are set.
type Action struct {
	Kind ActionKind `json:"kind"`
	// Delay before a retry. Zero follows the strategy's delay schedule.
	Delay       time.Duration `json:"delay,omitempty"`
	Kinds       []string      `json:"kinds,omitempty"`
	Keys        []string      `json:"keys,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	Percent     int           `json:"percent,omitempty"`
	Wait        time.Duration `json:"wait,omitempty"`
	Severity    Severity      `json:"severity,omitempty"`
	Message     string        `json:"message,omitempty"`
	WithContext bool          `json:"with_context,omitempty"`
}

func Retry(delay time.Duration) Action { return Action{Kind: ActionRetry, Delay: delay} }
func CleanupResources(kinds ...string) Action {
	return Action{Kind: ActionCleanupResources, Kinds: kinds}
}
func ResetConfig(keys ...string) Action { return Action{Kind: ActionResetConfig, Keys: keys} }
func RestartBrowser() Action            { return Action{Kind: ActionRestartBrowser} }

// SwitchLLMProvider moves traffic to provider. An empty name means the next
// healthy provider in the chain.
func SwitchLLMProvider(provider string) Action {
	return Action{Kind: ActionSwitchLLMProvider, Provider: provider}
}
func ClearCache(kinds ...string) Action { return Action{Kind: ActionClearCache, Kinds: kinds} }
func ReduceResourceUsage(pct int) Action {
	return Action{Kind: ActionReduceResourceUsage, Percent: pct}
}
func WaitForResources(d time.Duration) Action { return Action{Kind: ActionWaitForResources, Wait: d} }
func SendAlert(sev Severity, msg string) Action {
	return Action{Kind: ActionSendAlert, Severity: sev, Message: msg}
}
func LogError(withContext bool) Action { return Action{Kind: ActionLogError, WithContext: withContext} }

// Backoff selects how retry delays grow.
type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Strategy is a finite action sequence run once per recovery attempt.
type Strategy struct {
	Name       string
	Backoff    Backoff
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// DeadlineFactor scales ErrorContext.Timeout for the retried call. Zero
	// keeps the caller's deadline.
	DeadlineFactor float64
	// Manual marks strategies whose outcome always needs an operator.
	Manual  bool
	Actions []Action
}

// Delay returns the wait before retry attempt n, counting from 1.
func (s Strategy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d time.Duration
	switch s.Backoff {
	case BackoffLinear:
		d = s.BaseDelay * time.Duration(n)
	case BackoffExponential:
		mult := s.Multiplier
		if mult <= 0 {
			mult = 2
		}
		d = time.Duration(float64(s.BaseDelay) * math.Pow(mult, float64(n-1)))
	default:
		d = s.BaseDelay
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	return d
}

// Retries reports whether the strategy contains a retry action.
func (s Strategy) Retries() bool {
	for _, a := range s.Actions {
		if a.Kind == ActionRetry {
			return true
		}
	}
	return false
}

// DefaultStrategies returns the built-in registry keyed by category.
func DefaultStrategies() map[Category]Strategy {
	return map[Category]Strategy{
		CategoryNetwork: {
			Name:       "network_exponential_retry",
			Backoff:    BackoffExponential,
			MaxRetries: 3,
			BaseDelay:  time.Second,
			Multiplier: 2,
			MaxDelay:   10 * time.Second,
			Actions:    []Action{CleanupResources("network_connections"), Retry(0)},
		},
		CategoryBrowser: {
			Name:       "browser_service_fallback",
			Backoff:    BackoffNone,
			MaxRetries: 2,
			BaseDelay:  2 * time.Second,
			Actions:    []Action{RestartBrowser(), ClearCache("perception"), Retry(0)},
		},
		CategoryLLM: {
			Name:       "llm_service_fallback",
			Backoff:    BackoffNone,
			MaxRetries: 2,
			BaseDelay:  1500 * time.Millisecond,
			Actions:    []Action{SwitchLLMProvider(""), Retry(0)},
		},
		CategoryResource: {
			Name:       "resource_wait_and_reduce",
			Backoff:    BackoffLinear,
			MaxRetries: 1,
			BaseDelay:  time.Second,
			Actions:    []Action{WaitForResources(5 * time.Second), ReduceResourceUsage(25), Retry(0)},
		},
		CategoryAuth: {
			Name:       "auth_manual",
			MaxRetries: 1,
			Manual:     true,
			Actions:    []Action{SendAlert(SeverityHigh, "authentication failure needs operator attention"), LogError(true)},
		},
		CategoryTimeout: {
			Name:           "timeout_extended_retry",
			Backoff:        BackoffNone,
			MaxRetries:     1,
			DeadlineFactor: 2,
			Actions:        []Action{Retry(0)},
		},
		CategoryValidation: {
			Name:       "validation_report",
			MaxRetries: 1,
			Actions:    []Action{LogError(true)},
		},
		CategoryExecution: singleRetry("execution_single_retry"),
		CategoryConfig:    singleRetry("config_single_retry"),
		CategoryUnknown:   singleRetry("unknown_single_retry"),
	}
}

func singleRetry(name string) Strategy {
	return Strategy{
		Name:       name,
		Backoff:    BackoffNone,
		MaxRetries: 1,
		BaseDelay:  500 * time.Millisecond,
		Actions:    []Action{LogError(false), Retry(0)},
	}
}
