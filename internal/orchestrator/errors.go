// Package orchestrator coordinates plan execution: dependency resolution,
// parallel dispatch, runtime monitoring, approval gating, and interrupts.
package orchestrator

import (
	"errors"
	"fmt"

	"github.com/calder-ai/relay/pkg/models"
)

// Error taxonomy for the orchestration core. Step-level failures never
// propagate as errors out of the dispatcher; they are converted into
// failed StepResults. These sentinels cover the plan-level conditions.
var (
	// ErrDependencyBlocked indicates no step is eligible although
	// unfinished steps remain. Recoverable by waiting.
	ErrDependencyBlocked = errors.New("dependencies blocked")
	// ErrExecutorUnavailable indicates a required capability is down.
	ErrExecutorUnavailable = errors.New("executor unavailable")
	// ErrStepTimeout indicates a step exceeded its execution timeout.
	ErrStepTimeout = errors.New("execution timeout")
	// ErrApprovalRejected indicates a human rejected the plan or step.
	ErrApprovalRejected = errors.New("approval rejected")
	// ErrAlreadyResolved indicates a decision was already applied to an
	// approval request or interrupt.
	ErrAlreadyResolved = errors.New("already resolved")
	// ErrInterruptUnknown indicates the referenced interrupt is not active.
	ErrInterruptUnknown = errors.New("unknown interrupt")
	// ErrStopped indicates the orchestrator was stopped.
	ErrStopped = errors.New("orchestrator stopped")
)

// FailureInfo describes one failed step within a dispatch round.
type FailureInfo struct {
	// StepID is the ID of the failed step.
	StepID string
	// Capability is the capability the step required.
	Capability string
	// Attempt is the attempt number that failed.
	Attempt int
	// Reason is the human-readable failure reason.
	Reason string
	// Retryable indicates whether the retry policy still allows a retry.
	Retryable bool
}

// FailureSummary renders repeated failures as a human-readable summary
// with root cause, affected step, and recommended action. This is what
// reaches the approval/interrupt channel instead of a raw stack trace.
func FailureSummary(plan *models.Plan, failures []FailureInfo) string {
	if len(failures) == 0 {
		return ""
	}

	s := fmt.Sprintf("Plan %s hit %d step failure(s):\n", plan.ID, len(failures))
	for _, f := range failures {
		action := "retry"
		if !f.Retryable {
			action = "intervene or abort"
		}
		s += fmt.Sprintf("  - step %s (%s), attempt %d: %s (recommended: %s)\n",
			f.StepID, f.Capability, f.Attempt, f.Reason, action)
	}
	return s
}
