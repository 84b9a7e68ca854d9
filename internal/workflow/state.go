package workflow

import (
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Status of an execution.
type Status string

const (
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusCancelled          Status = "cancelled"
)

// StepRun records one execution of a step, including skips.
type StepRun struct {
	StepID      string            `json:"step_id"`
	Kind        StepKind          `json:"kind"`
	StartedAt   time.Time         `json:"started_at"`
	DurationMS  int64             `json:"duration_ms"`
	Success     bool              `json:"success"`
	Skipped     bool              `json:"skipped,omitempty"`
	Recovered   bool              `json:"recovered,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   schemas.ErrorKind `json:"error_kind,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	RetriesUsed int               `json:"retries_used"`
	Actions     []string          `json:"actions,omitempty"`
}

func (r *StepRun) duration() time.Duration { return time.Duration(r.DurationMS) * time.Millisecond }

func (r *StepRun) output(k, v string) {
	if r.Outputs == nil {
		r.Outputs = make(map[string]string)
	}
	r.Outputs[k] = v
}

func (r *StepRun) action(format string, args ...any) {
	r.Actions = append(r.Actions, fmt.Sprintf(format, args...))
}

// State is the mutable state of one execution. Parallel branches share it,
// so every accessor locks.
type State struct {
	mu          sync.RWMutex
	executionID string
	workflowID  string
	currentStep string
	vars        map[string]string
	history     []StepRun
	startedAt   time.Time
	elapsed     time.Duration
	status      Status
	err         string
	errKind     schemas.ErrorKind
}

func newState(executionID, workflowID string, vars map[string]string, now time.Time) *State {
	v := make(map[string]string, len(vars))
	for k, val := range vars {
		v[k] = val
	}
	return &State{
		executionID: executionID,
		workflowID:  workflowID,
		vars:        v,
		startedAt:   now,
		status:      StatusRunning,
	}
}

func (s *State) ExecutionID() string { return s.executionID }

func (s *State) Var(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

func (s *State) SetVar(name, value string) {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

// Vars returns a copy of the workflow variables.
func (s *State) Vars() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// History returns a copy of the step runs in execution order.
func (s *State) History() []StepRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StepRun(nil), s.history...)
}

func (s *State) append(r StepRun) {
	s.mu.Lock()
	s.history = append(s.history, r)
	s.mu.Unlock()
}

// last returns the most recent step run, if any.
func (s *State) last() *StepRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return nil
	}
	r := s.history[len(s.history)-1]
	return &r
}

func (s *State) CurrentStep() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStep
}

func (s *State) setCurrent(id string) {
	s.mu.Lock()
	s.currentStep = id
	s.mu.Unlock()
}

func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *State) finish(status Status, err error, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.elapsed = elapsed
	if err != nil {
		s.err = err.Error()
		s.errKind = schemas.KindOf(err)
	}
}

// SnapshotVersion is the current snapshot layout.
const SnapshotVersion = 1

// Snapshot is the persisted form of a State. Resume continues from
// CurrentStep.
type Snapshot struct {
	Version     int               `json:"version"`
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	CurrentStep string            `json:"current_step,omitempty"`
	Vars        map[string]string `json:"vars"`
	History     []StepRun         `json:"history"`
	StartedAt   time.Time         `json:"started_at"`
	Elapsed     time.Duration     `json:"elapsed"`
	Status      Status            `json:"status"`
}

// Snapshot copies the state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vars := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		vars[k] = v
	}
	elapsed := s.elapsed
	if s.status == StatusRunning {
		elapsed = time.Since(s.startedAt)
	}
	return Snapshot{
		Version:     SnapshotVersion,
		ExecutionID: s.executionID,
		WorkflowID:  s.workflowID,
		CurrentStep: s.currentStep,
		Vars:        vars,
		History:     append([]StepRun(nil), s.history...),
		StartedAt:   s.startedAt,
		Elapsed:     elapsed,
		Status:      s.status,
	}
}

// Encode serialises the snapshot.
func (s Snapshot) Encode() ([]byte, error) { return codec.Marshal(s) }

// DecodeSnapshot parses an encoded snapshot and checks its version.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := codec.Unmarshal(b, &s); err != nil {
		return Snapshot{}, schemas.NewError(schemas.KindValidationFailed, "workflow.DecodeSnapshot", "malformed snapshot", err)
	}
	if s.Version != SnapshotVersion {
		return Snapshot{}, schemas.NewError(schemas.KindValidationFailed, "workflow.DecodeSnapshot", fmt.Sprintf("unsupported snapshot version %d", s.Version), nil)
	}
	return s, nil
}

func stateFromSnapshot(snap Snapshot) *State {
	st := newState(snap.ExecutionID, snap.WorkflowID, snap.Vars, time.Now())
	st.history = append([]StepRun(nil), snap.History...)
	st.currentStep = snap.CurrentStep
	return st
}

// Metrics summarise an execution.
type Metrics struct {
	TotalSteps  int           `json:"total_steps"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Recovered   int           `json:"recovered"`
	Retries     int           `json:"retries"`
	SuccessRate float64       `json:"success_rate"`
	Duration    time.Duration `json:"duration"`
	AvgStepMS   float64       `json:"avg_step_ms"`
}

func summarise(history []StepRun, d time.Duration) Metrics {
	m := Metrics{TotalSteps: len(history), Duration: d}
	var ran, total int64
	for _, r := range history {
		m.Retries += r.RetriesUsed
		switch {
		case r.Skipped:
			m.Skipped++
			continue
		case r.Success:
			m.Succeeded++
			if r.Recovered {
				m.Recovered++
			}
		default:
			m.Failed++
		}
		ran++
		total += r.DurationMS
	}
	if ran > 0 {
		m.SuccessRate = float64(m.Succeeded) / float64(ran)
		m.AvgStepMS = float64(total) / float64(ran)
	}
	return m
}

// ExecutionResult is the final report of an execution.
type ExecutionResult struct {
	ExecutionID     string            `json:"execution_id"`
	WorkflowID      string            `json:"workflow_id"`
	Status          Status            `json:"status"`
	Steps           []StepRun         `json:"steps"`
	Vars            map[string]string `json:"vars"`
	Metrics         Metrics           `json:"metrics"`
	Recommendations []string          `json:"recommendations,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorKind       schemas.ErrorKind `json:"error_kind,omitempty"`
	// RecoveryIDs are the recovery manager records opened by this execution.
	RecoveryIDs []string  `json:"recovery_ids,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// LastStep is the id of the most recent step run.
func (r *ExecutionResult) LastStep() string {
	if len(r.Steps) == 0 {
		return ""
	}
	return r.Steps[len(r.Steps)-1].StepID
}
