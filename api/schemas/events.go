package schemas

import "time"

// EventType identifies a message on the event bus.
type EventType string

const (
	// EventStepCompleted is posted after every step run, including skips.
	EventStepCompleted EventType = "STEP_COMPLETED"
	// EventWorkflowCompleted is posted once per execution, whatever its status.
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	// EventRecoveryAttempted is posted by the recovery manager.
	EventRecoveryAttempted EventType = "RECOVERY_ATTEMPTED"
)

// StepEvent describes a finished step run.
type StepEvent struct {
	ExecutionID string        `json:"execution_id"`
	WorkflowID  string        `json:"workflow_id"`
	StepID      string        `json:"step_id"`
	StepKind    string        `json:"step_kind"`
	Success     bool          `json:"success"`
	Skipped     bool          `json:"skipped"`
	Duration    time.Duration `json:"duration"`
	Retries     int           `json:"retries"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// WorkflowEvent summarises a finished execution for the learner.
type WorkflowEvent struct {
	ExecutionID    string        `json:"execution_id"`
	WorkflowID     string        `json:"workflow_id"`
	Status         string        `json:"status"`
	Success        bool          `json:"success"`
	Duration       time.Duration `json:"duration"`
	StepsCompleted int           `json:"steps_completed"`
	StepsFailed    int           `json:"steps_failed"`
	ErrorKinds     []string      `json:"error_kinds,omitempty"`
	TaskType       string        `json:"task_type,omitempty"`
	Intent         string        `json:"intent,omitempty"`
	PageURL        string        `json:"page_url,omitempty"`
	// Perception details of the last pass run by the execution, if any.
	Tier           string        `json:"tier,omitempty"`
	PageComplexity float64       `json:"page_complexity"`
	PerceptionTime time.Duration `json:"perception_time"`
	CacheHitRate   float64       `json:"cache_hit_rate"`
	QualityScore   float64       `json:"quality_score"`
	// PageLoadTime is the duration of the last navigation.
	PageLoadTime time.Duration `json:"page_load_time"`
	Timestamp    time.Time     `json:"timestamp"`
}

// RecoveryEvent is posted after the recovery manager handles an error.
type RecoveryEvent struct {
	ErrorID    string `json:"error_id"`
	Category   string `json:"category"`
	Resolution string `json:"resolution"`
	Attempts   int    `json:"attempts"`
}
