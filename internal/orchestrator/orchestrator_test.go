package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calder-ai/relay/internal/executor"
	"github.com/calder-ai/relay/pkg/models"
)

// autoApprovedPlan returns a diamond plan shaped to pass the approval
// gate without a human in the loop.
func autoApprovedPlan() *models.Plan {
	plan := diamondPlan()
	plan.TaskType = "consultation"
	plan.Complexity = models.ComplexitySimple
	return plan
}

func newTestOrchestrator(t *testing.T, reg *executor.Registry, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{
		WithGateConfig(GateConfig{AutoApproveSimple: true}),
		WithPollInterval(5 * time.Millisecond),
		WithStepTimeout(time.Second),
	}, opts...)
	o, err := New(RequiredConfig{Registry: reg}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestRunCompletesDiamondPlan(t *testing.T) {
	plan := autoApprovedPlan()
	o := newTestOrchestrator(t, registryWith("fetcher", "analyzer", "reporter"))

	if err := o.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if plan.Status != models.PlanStatusCompleted {
		t.Errorf("status = %s, want completed", plan.Status)
	}
	if plan.Cursor != len(plan.Steps) {
		t.Errorf("cursor = %d, want %d", plan.Cursor, len(plan.Steps))
	}
	if got, _ := plan.Metadata["completed_count"].(int); got != 4 {
		t.Errorf("completed_count = %d, want 4", got)
	}
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	plan := autoApprovedPlan()
	plan.Dependencies["setup"] = []string{"summarize"}
	o := newTestOrchestrator(t, registryWith("fetcher", "analyzer", "reporter"))

	if err := o.Run(context.Background(), plan); !errors.Is(err, models.ErrCycleDetected) {
		t.Errorf("Run error = %v, want ErrCycleDetected", err)
	}
}

func TestRunAbortsOnApprovalRejection(t *testing.T) {
	plan := autoApprovedPlan()
	plan.RequiresApproval = true
	o := newTestOrchestrator(t, registryWith("fetcher", "analyzer", "reporter"))

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), plan) }()

	// Wait for the gate to open the plan-level request, then reject it.
	var req *ApprovalRequest
	deadline := time.Now().Add(2 * time.Second)
	for req == nil {
		if time.Now().After(deadline) {
			t.Fatal("approval request never opened")
		}
		req = o.Gate().PendingFor(plan.ID)
		time.Sleep(time.Millisecond)
	}
	if _, err := o.SubmitApprovalDecision(req.ID, ApprovalRejected, "operator", "not today"); err != nil {
		t.Fatalf("SubmitApprovalDecision: %v", err)
	}

	if err := <-done; !errors.Is(err, ErrApprovalRejected) {
		t.Errorf("Run error = %v, want ErrApprovalRejected", err)
	}
	if plan.Status != models.PlanStatusAborted {
		t.Errorf("status = %s, want aborted", plan.Status)
	}
	if plan.Cursor != 0 {
		t.Errorf("cursor = %d, want 0 (no step ran)", plan.Cursor)
	}

	// Rejection routes through the pause decision, which checkpoints
	// before the plan ends aborted.
	_ = o.Close()
	sawCheckpoint := false
	for ev := range o.Events() {
		if ev.Type == EventCheckpointSaved {
			sawCheckpoint = true
		}
	}
	if !sawCheckpoint {
		t.Error("no checkpoint event after rejection")
	}
}

func TestRunFailsAfterRetryBudget(t *testing.T) {
	plan := autoApprovedPlan()
	plan.Retry = models.RetryPolicy{MaxRetries: 1}
	reg := registryWith("analyzer", "reporter")
	_ = reg.Register(failExecutor("fetcher", "upstream unreachable"))
	o := newTestOrchestrator(t, reg)

	err := o.Run(context.Background(), plan)
	if err == nil {
		t.Fatal("Run succeeded, want retry-budget failure")
	}
	if plan.Status != models.PlanStatusFailed {
		t.Errorf("status = %s, want failed", plan.Status)
	}
	summary, _ := plan.Metadata["failure_summary"].(string)
	if summary == "" {
		t.Error("failure_summary missing from plan metadata")
	}
}

func TestRunRecoversFromTransientFailure(t *testing.T) {
	plan := autoApprovedPlan()
	plan.Retry = models.RetryPolicy{MaxRetries: 2}
	reg := registryWith("analyzer", "reporter")
	_ = reg.Register(flakyExecutor("fetcher", 1))
	o := newTestOrchestrator(t, reg)

	if err := o.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if plan.Status != models.PlanStatusCompleted {
		t.Errorf("status = %s, want completed after retry", plan.Status)
	}
}

func TestRunSuspendsOnContextCancel(t *testing.T) {
	plan := autoApprovedPlan()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := newTestOrchestrator(t, registryWith("fetcher", "analyzer", "reporter"))

	if err := o.Run(ctx, plan); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if plan.Status != models.PlanStatusPaused {
		t.Errorf("status = %s, want paused for later resume", plan.Status)
	}
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	plan := autoApprovedPlan()
	plan.AdvanceCursor(1)

	var fetchRuns atomic.Int32
	reg := registryWith("analyzer", "reporter")
	_ = reg.Register(&executor.Func{
		Name: "fetcher",
		Run: func(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error) {
			fetchRuns.Add(1)
			return models.StepResult{Status: models.StepStatusCompleted}, nil
		},
	})
	o := newTestOrchestrator(t, reg)

	if err := o.Resume(context.Background(), plan, []string{"setup"}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if plan.Status != models.PlanStatusCompleted {
		t.Errorf("status = %s, want completed", plan.Status)
	}
	if fetchRuns.Load() != 0 {
		t.Errorf("setup re-executed %d times after resume", fetchRuns.Load())
	}
}

func TestRunWaitsForRaisedInterrupt(t *testing.T) {
	plan := autoApprovedPlan()
	o := newTestOrchestrator(t, registryWith("fetcher", "analyzer", "reporter"))

	raised := o.RaiseInterrupt(models.InterruptReason{
		Type:   models.InterruptUserInput,
		Stage:  "dispatch",
		Reason: "confirm target region",
	})

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), plan) }()

	// Give the loop a moment to park on the interrupt, then release it.
	time.Sleep(20 * time.Millisecond)
	if plan.Cursor != 0 {
		t.Errorf("cursor advanced to %d while interrupted", plan.Cursor)
	}
	if _, err := o.SubmitInterruptResponse(raised.ID, InterruptResponse{
		Input:      "region b",
		StatePatch: map[string]any{"region": "b"},
	}); err != nil {
		t.Fatalf("SubmitInterruptResponse: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if plan.Status != models.PlanStatusCompleted {
		t.Errorf("status = %s, want completed", plan.Status)
	}
	if plan.Metadata["region"] != "b" {
		t.Errorf("state patch not merged: %v", plan.Metadata)
	}
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	plan := autoApprovedPlan()
	o := newTestOrchestrator(t, registryWith("fetcher", "analyzer", "reporter"))

	if err := o.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	o.Close()

	seen := make(map[EventType]int)
	for ev := range o.Events() {
		seen[ev.Type]++
	}

	if seen[EventPlanStarted] != 1 {
		t.Errorf("plan_started events = %d, want 1", seen[EventPlanStarted])
	}
	if seen[EventStepCompleted] != len(plan.Steps) {
		t.Errorf("step_completed events = %d, want %d", seen[EventStepCompleted], len(plan.Steps))
	}
	if seen[EventPlanDone] != 1 {
		t.Errorf("plan_done events = %d, want 1", seen[EventPlanDone])
	}
}

func TestStepLevelApprovalGatesDispatch(t *testing.T) {
	plan := autoApprovedPlan()
	plan.Steps[3].RequiresHuman = true
	o := newTestOrchestrator(t, registryWith("fetcher", "analyzer", "reporter"))

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), plan) }()

	var req *ApprovalRequest
	deadline := time.Now().Add(2 * time.Second)
	for req == nil {
		if time.Now().After(deadline) {
			t.Fatal("step approval request never opened")
		}
		req = o.Gate().PendingFor(plan.ID)
		time.Sleep(time.Millisecond)
	}
	if req.StepID != "summarize" {
		t.Fatalf("request step = %q, want summarize", req.StepID)
	}
	// The first three steps finished before the gate closed on the last.
	if plan.Cursor < 3 {
		t.Errorf("cursor = %d while waiting on summarize approval, want >= 3", plan.Cursor)
	}

	if _, err := o.SubmitApprovalDecision(req.ID, ApprovalApproved, "operator", "go ahead"); err != nil {
		t.Fatalf("SubmitApprovalDecision: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if plan.Status != models.PlanStatusCompleted {
		t.Errorf("status = %s, want completed", plan.Status)
	}
}
