package state

import (
	"fmt"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

// InterruptedPlan contains information about a plan that was left
// mid-flight, detected on startup.
type InterruptedPlan struct {
	PlanID      string
	TaskType    string
	Description string
	Status      models.PlanStatus
	Cursor      int
	LastUpdated time.Time
	// HasCheckpoint is true when a checkpoint exists to resume from.
	HasCheckpoint bool
}

// ResumedPlan is the reconstruction a resume operation hands back to the
// orchestrator: the plan with its cursor restored, plus the step IDs
// already completed before the interruption.
type ResumedPlan struct {
	Plan *models.Plan
	// Checkpoint is the checkpoint that drove the reconstruction, or nil
	// when the plan row alone was enough.
	Checkpoint *models.Checkpoint
	// CompletedStepIDs are the steps that finished before interruption.
	CompletedStepIDs []string
	// PendingStepIDs are the steps still awaiting execution.
	PendingStepIDs []string
}

// RecoveryManager handles detection and recovery of interrupted plans.
type RecoveryManager struct {
	store Store
}

// NewRecoveryManager creates a RecoveryManager over the given store.
func NewRecoveryManager(store Store) *RecoveryManager {
	return &RecoveryManager{store: store}
}

// CheckForInterrupted detects plans left in a non-terminal state.
func (rm *RecoveryManager) CheckForInterrupted() ([]InterruptedPlan, error) {
	rows, err := rm.store.ListPlans(nil)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}

	var out []InterruptedPlan
	for _, r := range rows {
		if r.Status.Terminal() {
			continue
		}

		cp, err := rm.store.LatestCheckpoint(r.ID)
		if err != nil {
			return nil, fmt.Errorf("latest checkpoint for %s: %w", r.ID, err)
		}

		out = append(out, InterruptedPlan{
			PlanID:        r.ID,
			TaskType:      r.TaskType,
			Description:   r.Description,
			Status:        r.Status,
			Cursor:        r.Cursor,
			LastUpdated:   r.UpdatedAt,
			HasCheckpoint: cp != nil,
		})
	}

	return out, nil
}

// Resume reconstructs a plan for re-execution. The latest checkpoint's
// recovery instructions restore the cursor; completed steps come from
// the execution record archive so the dependency resolver can skip them.
// The plan transitions paused -> in_progress, the only backward status
// edge the model allows.
func (rm *RecoveryManager) Resume(planID string) (*ResumedPlan, error) {
	plan, err := rm.store.GetPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %s not found", planID)
	}
	if plan.Status.Terminal() {
		return nil, fmt.Errorf("plan %s already %s", planID, plan.Status)
	}

	cp, err := rm.store.LatestCheckpoint(planID)
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	if cp != nil {
		plan.AdvanceCursor(cp.Recovery.ResumeFrom)
	}

	records, err := rm.store.ListRecords(planID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	completed := make(map[string]bool)
	for _, rec := range records {
		if rec.Status == models.StepStatusCompleted || rec.Status == models.StepStatusSkipped {
			completed[rec.StepID] = true
		}
	}

	resumed := &ResumedPlan{Plan: plan, Checkpoint: cp}
	for _, step := range plan.Steps {
		if completed[step.ID] {
			resumed.CompletedStepIDs = append(resumed.CompletedStepIDs, step.ID)
		} else {
			resumed.PendingStepIDs = append(resumed.PendingStepIDs, step.ID)
		}
	}

	plan.Status = models.PlanStatusInProgress
	if err := rm.store.UpdatePlanProgress(planID, plan.Status, plan.Cursor); err != nil {
		return nil, fmt.Errorf("mark plan resumed: %w", err)
	}

	return resumed, nil
}

// Abandon marks a non-terminal plan as aborted and prunes its
// checkpoints, for operators who decide not to resume.
func (rm *RecoveryManager) Abandon(planID string) error {
	plan, err := rm.store.GetPlan(planID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	if plan == nil {
		return fmt.Errorf("plan %s not found", planID)
	}
	if plan.Status.Terminal() {
		return fmt.Errorf("plan %s already %s", planID, plan.Status)
	}

	if err := rm.store.UpdatePlanProgress(planID, models.PlanStatusAborted, plan.Cursor); err != nil {
		return fmt.Errorf("mark plan aborted: %w", err)
	}

	cps, err := rm.store.ListCheckpoints(planID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	for _, cp := range cps {
		if err := rm.store.DeleteCheckpoint(cp.ID); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", cp.ID, err)
		}
	}

	return nil
}
