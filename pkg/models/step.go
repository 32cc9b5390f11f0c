package models

import "time"

// StepStatus represents the outcome of one step attempt.
type StepStatus string

const (
	// StepStatusCompleted indicates the step finished successfully.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed indicates the step failed or timed out.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped indicates the step was skipped.
	StepStatusSkipped StepStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// Step represents a single unit of work assigned to one executor capability.
// Steps are immutable after plan creation; outcomes are recorded in
// StepResults and ExecutionRecords, never on the step itself.
type Step struct {
	// ID is the unique identifier for this step within its plan.
	ID string `json:"id" yaml:"id"`
	// Capability names the executor capability that runs this step.
	Capability string `json:"executor_capability" yaml:"capability"`
	// Action describes the operation the executor should perform.
	Action string `json:"action" yaml:"action"`
	// RequiredResources lists resources the step needs (data sets, tools).
	RequiredResources []string `json:"required_resources,omitempty" yaml:"required_resources,omitempty"`
	// ParallelGroup is the named group this step may run concurrently with.
	ParallelGroup string `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	// EstimatedDuration is the expected execution time for this step.
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	// RequiresHuman forces an approval gate before this step runs.
	RequiresHuman bool `json:"requires_human" yaml:"requires_human"`
}

// StepResult records the outcome of one attempt of a step.
// Results are append-only: one result per (step, attempt).
type StepResult struct {
	// StepID is the ID of the executed step.
	StepID string `json:"step_id"`
	// Attempt is the 1-indexed attempt number.
	Attempt int `json:"attempt"`
	// Status is the outcome of this attempt.
	Status StepStatus `json:"status"`
	// Output holds executor-produced data, if any.
	Output map[string]any `json:"output,omitempty"`
	// Error is the failure reason when Status is failed.
	Error string `json:"error,omitempty"`
	// StartedAt is when execution of this attempt began.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when execution of this attempt ended.
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns the wall-clock time the attempt took.
func (r StepResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExecutionRecord is one entry in the append-only audit trail. The
// orchestration core owns the trail exclusively; executors only return
// results that the dispatcher converts into records.
type ExecutionRecord struct {
	// StepID is the ID of the executed step.
	StepID string `json:"step_id"`
	// Capability is the executor capability that ran the step.
	Capability string `json:"agent"`
	// Action is the operation that was performed.
	Action string `json:"action"`
	// Status is the outcome of the attempt.
	Status StepStatus `json:"status"`
	// Attempt is the 1-indexed attempt number.
	Attempt int `json:"attempt"`
	// Timestamp is when the record was appended.
	Timestamp time.Time `json:"timestamp"`
	// Duration is how long the attempt took.
	Duration time.Duration `json:"duration"`
	// Error is the failure reason for failed attempts.
	Error string `json:"error,omitempty"`
}
