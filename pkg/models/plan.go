// Package models defines the core data types shared across the relay engine:
// plans, steps, execution results, checkpoints, and interrupts.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrPlanInvalid indicates a plan failed validation and must not be scheduled.
var ErrPlanInvalid = errors.New("plan invalid")

// ErrCycleDetected indicates a circular dependency was found in the plan's
// dependency map.
var ErrCycleDetected = errors.New("circular dependency detected")

// PlanStatus represents the current state of a plan.
type PlanStatus string

const (
	// PlanStatusPending indicates the plan has not started.
	PlanStatusPending PlanStatus = "pending"
	// PlanStatusInProgress indicates the plan is executing.
	PlanStatusInProgress PlanStatus = "in_progress"
	// PlanStatusPaused indicates execution is suspended awaiting a human.
	PlanStatusPaused PlanStatus = "paused"
	// PlanStatusCompleted indicates all steps finished successfully.
	PlanStatusCompleted PlanStatus = "completed"
	// PlanStatusAborted indicates the plan was stopped before completion.
	PlanStatusAborted PlanStatus = "aborted"
	// PlanStatusFailed indicates the plan terminated due to errors.
	PlanStatusFailed PlanStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanStatusPending, PlanStatusInProgress, PlanStatusPaused,
		PlanStatusCompleted, PlanStatusAborted, PlanStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further execution can happen in this status.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanStatusCompleted, PlanStatusAborted, PlanStatusFailed:
		return true
	default:
		return false
	}
}

// Priority represents the urgency of a plan.
type Priority string

const (
	// PriorityLow is for background work.
	PriorityLow Priority = "low"
	// PriorityNormal is the default priority.
	PriorityNormal Priority = "normal"
	// PriorityHigh is for urgent work.
	PriorityHigh Priority = "high"
)

// Complexity classifies how involved a plan is expected to be.
type Complexity string

const (
	// ComplexitySimple indicates a trivial, low-risk plan.
	ComplexitySimple Complexity = "simple"
	// ComplexityModerate indicates a typical multi-step plan.
	ComplexityModerate Complexity = "moderate"
	// ComplexityComplex indicates a plan that warrants extra oversight.
	ComplexityComplex Complexity = "complex"
)

// RetryPolicy controls automatic retry behavior for failed steps.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retries per step.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// Backoff is the delay before a retry attempt.
	Backoff time.Duration `json:"backoff" yaml:"backoff"`
}

// Plan represents a DAG of steps produced for one user request.
// A plan is immutable once created except for its Status, Cursor, and
// Metadata, which are owned by the orchestration loop.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id" yaml:"id"`
	// TaskType is the classified task-type label for this plan.
	TaskType string `json:"task_type" yaml:"task_type"`
	// Description is the human-readable summary of the request.
	Description string `json:"description" yaml:"description"`
	// Priority is the plan's urgency.
	Priority Priority `json:"priority" yaml:"priority"`
	// Complexity is the classifier's complexity estimate.
	Complexity Complexity `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	// Steps is the ordered list of steps in the plan.
	Steps []Step `json:"steps" yaml:"steps"`
	// Dependencies maps a step ID to the IDs of steps it depends on.
	Dependencies map[string][]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// ParallelGroups maps a group name to the step IDs eligible to run together.
	ParallelGroups map[string][]string `json:"parallel_groups,omitempty" yaml:"parallel_groups,omitempty"`
	// EstimatedDuration is the expected total execution time.
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	// RequiresApproval forces a human approval gate before execution.
	RequiresApproval bool `json:"requires_approval" yaml:"requires_approval"`
	// DefaultAction is applied when an approval request expires ("approve"
	// or "reject"). Empty means reject on expiry.
	DefaultAction string `json:"default_action,omitempty" yaml:"default_action,omitempty"`
	// Retry is the retry policy for failed steps.
	Retry RetryPolicy `json:"retry_policy" yaml:"retry_policy"`
	// Status is the current state of the plan.
	Status PlanStatus `json:"status" yaml:"status"`
	// Cursor is the index of the next step to consider. It only advances.
	Cursor int `json:"cursor" yaml:"cursor"`
	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	// Metadata holds dispatch summaries and other loop-owned annotations.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the plan's structural invariants: unique step IDs, all
// dependency references resolve to known steps, the dependency map forms a
// DAG, and parallel group members exist. Returns an error wrapping
// ErrPlanInvalid (and ErrCycleDetected for cycles) on failure.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan %s has no steps", ErrPlanInvalid, p.ID)
	}

	seen := make(map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step with empty id", ErrPlanInvalid)
		}
		if seen[step.ID] {
			return fmt.Errorf("%w: duplicate step id %s", ErrPlanInvalid, step.ID)
		}
		seen[step.ID] = true
	}

	for stepID, deps := range p.Dependencies {
		if !seen[stepID] {
			return fmt.Errorf("%w: dependencies reference unknown step %s", ErrPlanInvalid, stepID)
		}
		for _, depID := range deps {
			if !seen[depID] {
				return fmt.Errorf("%w: step %s depends on unknown step %s", ErrPlanInvalid, stepID, depID)
			}
			if depID == stepID {
				return fmt.Errorf("%w: step %s depends on itself: %w", ErrPlanInvalid, stepID, ErrCycleDetected)
			}
		}
	}

	for name, members := range p.ParallelGroups {
		for _, id := range members {
			if !seen[id] {
				return fmt.Errorf("%w: parallel group %s references unknown step %s", ErrPlanInvalid, name, id)
			}
		}
	}

	if hasCycle(p.Dependencies) {
		return fmt.Errorf("%w: %w", ErrPlanInvalid, ErrCycleDetected)
	}

	return nil
}

// hasCycle detects a cycle in the dependency map using depth-first search
// with coloring to find back edges.
func hasCycle(deps map[string][]string) bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(deps))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range deps[id] {
			switch colors[depID] {
			case 1:
				// Back edge.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range deps {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}

	return false
}

// StepIndex returns the index of the step with the given ID, or -1.
func (p *Plan) StepIndex(stepID string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// StepByID returns the step with the given ID, or nil if not found.
func (p *Plan) StepByID(stepID string) *Step {
	if i := p.StepIndex(stepID); i >= 0 {
		return &p.Steps[i]
	}
	return nil
}

// GroupOf returns the parallel group name containing the step, or "".
func (p *Plan) GroupOf(stepID string) string {
	for name, members := range p.ParallelGroups {
		for _, id := range members {
			if id == stepID {
				return name
			}
		}
	}
	return ""
}

// AdvanceCursor moves the cursor forward to the given index. The cursor is
// monotonic: attempts to move it backward are ignored.
func (p *Plan) AdvanceCursor(to int) {
	if to > p.Cursor {
		p.Cursor = to
	}
}

// Complete returns true when the cursor has passed every step.
func (p *Plan) Complete() bool {
	return p.Cursor >= len(p.Steps)
}

// RequiredCapabilities returns the distinct capabilities of steps at or
// after the cursor, in plan order.
func (p *Plan) RequiredCapabilities() []string {
	var caps []string
	seen := make(map[string]bool)
	for i := p.Cursor; i < len(p.Steps); i++ {
		c := p.Steps[i].Capability
		if c != "" && !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}
	return caps
}

// Clone returns a deep copy of the plan. Dispatch rounds hand each
// concurrent step its own clone so executors never share mutable state.
func (p *Plan) Clone() *Plan {
	cp := *p

	cp.Steps = make([]Step, len(p.Steps))
	copy(cp.Steps, p.Steps)
	for i := range cp.Steps {
		cp.Steps[i].RequiredResources = append([]string(nil), p.Steps[i].RequiredResources...)
	}

	if p.Dependencies != nil {
		cp.Dependencies = make(map[string][]string, len(p.Dependencies))
		for k, v := range p.Dependencies {
			cp.Dependencies[k] = append([]string(nil), v...)
		}
	}

	if p.ParallelGroups != nil {
		cp.ParallelGroups = make(map[string][]string, len(p.ParallelGroups))
		for k, v := range p.ParallelGroups {
			cp.ParallelGroups[k] = append([]string(nil), v...)
		}
	}

	if p.Metadata != nil {
		cp.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}

	return &cp
}
