package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventPlanStarted indicates plan execution has begun.
	EventPlanStarted EventType = "plan_started"
	// EventStepDispatched indicates a batch of steps was sent to executors.
	EventStepDispatched EventType = "step_dispatched"
	// EventStepCompleted indicates a step finished successfully.
	EventStepCompleted EventType = "step_completed"
	// EventStepFailed indicates a step failed.
	EventStepFailed EventType = "step_failed"
	// EventCheckpointSaved indicates a checkpoint was written.
	EventCheckpointSaved EventType = "checkpoint_saved"
	// EventApprovalRequested indicates a human decision is pending.
	EventApprovalRequested EventType = "approval_requested"
	// EventApprovalResolved indicates an approval decision was applied.
	EventApprovalResolved EventType = "approval_resolved"
	// EventInterruptRaised indicates execution was suspended.
	EventInterruptRaised EventType = "interrupt_raised"
	// EventInterruptResolved indicates a suspension was resolved.
	EventInterruptResolved EventType = "interrupt_resolved"
	// EventPlanPaused indicates the plan loop suspended.
	EventPlanPaused EventType = "plan_paused"
	// EventPlanDone indicates the plan reached a terminal state.
	EventPlanDone EventType = "plan_done"
)

// Event represents an event emitted by the orchestrator, used by the CLI
// and observers to track progress.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// PlanID is the ID of the related plan.
	PlanID string
	// StepID is the ID of the related step, if applicable.
	StepID string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Cursor is the plan cursor at event time.
	Cursor int
}
