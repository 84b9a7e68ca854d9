// Package recovery classifies failures, runs recovery strategies and guards
// named services with circuit breakers.
package recovery

import (
	"time"
)

// Category is the broad class of a failure.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryBrowser    Category = "browser"
	CategoryLLM        Category = "llm"
	CategoryExecution  Category = "execution"
	CategoryConfig     Category = "config"
	CategoryResource   Category = "resource"
	CategoryAuth       Category = "auth"
	CategoryTimeout    Category = "timeout"
	CategoryValidation Category = "validation"
	CategoryUnknown    Category = "unknown"
)

// Severity ranks how urgently a failure needs attention.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Resolution is how an error record ended.
type Resolution string

const (
	ResolutionRecovered    Resolution = "recovered"
	ResolutionPartial      Resolution = "partial"
	ResolutionUnrecovered  Resolution = "unrecovered"
	ResolutionNeedsManual  Resolution = "needs_manual"
	ResolutionWorkedAround Resolution = "worked_around"
)

// AttemptResult is the outcome of one recovery action.
type AttemptResult string

const (
	AttemptSuccess AttemptResult = "success"
	AttemptFailed  AttemptResult = "failed"
	AttemptPartial AttemptResult = "partial"
	AttemptTimeout AttemptResult = "timeout"
	AttemptSkipped AttemptResult = "skipped"
)

// ErrorContext describes where a failure happened.
type ErrorContext struct {
	// TaskType is the perception task type of the running workflow, if any.
	TaskType  string `json:"task_type,omitempty"`
	Operation string `json:"operation,omitempty"`
	// Service names the breaker guarding the failing dependency.
	Service    string `json:"service,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	URL        string `json:"url,omitempty"`
	// Timeout is the deadline the failed call ran under, if known.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Browser, when set, is restarted instead of the handler's default.
	Browser BrowserRestarter `json:"-"`
}

// RecoveryAttempt is one executed recovery action.
type RecoveryAttempt struct {
	Strategy  string        `json:"strategy"`
	Action    ActionKind    `json:"action"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Result    AttemptResult `json:"result"`
	Error     string        `json:"error,omitempty"`
}

// ErrorRecord is the history entry for one handled failure.
type ErrorRecord struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Category   Category          `json:"category"`
	Confidence float64           `json:"confidence"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Context    ErrorContext      `json:"context"`
	Attempts   []RecoveryAttempt `json:"recovery_attempts"`
	Resolution Resolution        `json:"resolution"`
}
