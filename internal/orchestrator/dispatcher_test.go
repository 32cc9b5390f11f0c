package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

func TestDispatchSingleStepAdvancesCursor(t *testing.T) {
	plan := linearPlan()
	log := NewExecutionLog()
	d := NewDispatcher(registryWith("fetcher", "processor", "reporter"), nil, log, 3, time.Second, nil)

	res := d.Dispatch(context.Background(), plan, Batch{Steps: []models.Step{plan.Steps[0]}})

	if len(res.Completed) != 1 || res.Completed[0].StepID != "fetch" {
		t.Fatalf("completed = %v, want [fetch]", res.Completed)
	}
	if res.CursorAfter != 1 {
		t.Errorf("cursor after = %d, want 1", res.CursorAfter)
	}
	if plan.Cursor != 1 {
		t.Errorf("plan cursor = %d, want 1", plan.Cursor)
	}
}

func TestDispatchParallelGroup(t *testing.T) {
	plan := diamondPlan()
	plan.AdvanceCursor(1)
	log := NewExecutionLog()
	d := NewDispatcher(registryWith("fetcher", "analyzer", "reporter"), nil, log, 2, time.Second, nil)

	batch := Batch{Steps: []models.Step{plan.Steps[1], plan.Steps[2]}, Group: "analysis"}
	res := d.Dispatch(context.Background(), plan, batch)

	if len(res.Completed) != 2 {
		t.Fatalf("completed = %d steps, want 2", len(res.Completed))
	}
	// Completed results come back in plan order regardless of finish order.
	if res.Completed[0].StepID != "analyze-a" || res.Completed[1].StepID != "analyze-b" {
		t.Errorf("completed order = [%s, %s], want [analyze-a, analyze-b]",
			res.Completed[0].StepID, res.Completed[1].StepID)
	}
	// Cursor jumps past the whole group in one merge.
	if plan.Cursor != 3 {
		t.Errorf("plan cursor = %d, want 3", plan.Cursor)
	}
}

func TestDispatchFailureLeavesCursorBehind(t *testing.T) {
	plan := diamondPlan()
	plan.AdvanceCursor(1)
	reg := registryWith("fetcher", "reporter")
	_ = reg.Register(&failingByID{name: "analyzer", failID: "analyze-b"})
	log := NewExecutionLog()
	d := NewDispatcher(reg, nil, log, 2, time.Second, nil)

	batch := Batch{Steps: []models.Step{plan.Steps[1], plan.Steps[2]}, Group: "analysis"}
	res := d.Dispatch(context.Background(), plan, batch)

	if len(res.Completed) != 1 || res.Completed[0].StepID != "analyze-a" {
		t.Fatalf("completed = %v, want [analyze-a]", res.Completed)
	}
	if len(res.Failed) != 1 || res.Failed[0].StepID != "analyze-b" {
		t.Fatalf("failed = %v, want [analyze-b]", res.Failed)
	}
	// The cursor advances past the completed sibling but the failed
	// step stays reachable for retry.
	if plan.Cursor != 2 {
		t.Errorf("plan cursor = %d, want 2", plan.Cursor)
	}
}

func TestDispatchTimeoutProducesFailedResult(t *testing.T) {
	plan := linearPlan()
	reg := registryWith("processor", "reporter")
	_ = reg.Register(slowExecutor("fetcher"))
	log := NewExecutionLog()
	d := NewDispatcher(reg, nil, log, 1, 20*time.Millisecond, nil)

	res := d.Dispatch(context.Background(), plan, Batch{Steps: []models.Step{plan.Steps[0]}})

	if len(res.Failed) != 1 {
		t.Fatalf("failed = %v, want one entry", res.Failed)
	}
	if res.Failed[0].Reason != "execution timeout" {
		t.Errorf("failure reason = %q, want %q", res.Failed[0].Reason, "execution timeout")
	}
	if plan.Cursor != 0 {
		t.Errorf("plan cursor = %d, want 0 after timeout", plan.Cursor)
	}
}

func TestDispatchUnavailableCapabilityFails(t *testing.T) {
	plan := linearPlan()
	reg := registryWith("fetcher", "processor", "reporter")
	reg.SetAvailable("fetcher", false)
	log := NewExecutionLog()
	d := NewDispatcher(reg, reg, log, 1, time.Second, nil)

	res := d.Dispatch(context.Background(), plan, Batch{Steps: []models.Step{plan.Steps[0]}})

	if len(res.Failed) != 1 {
		t.Fatalf("failed = %v, want one entry", res.Failed)
	}
	if res.Failed[0].Capability != "fetcher" {
		t.Errorf("failed capability = %q, want fetcher", res.Failed[0].Capability)
	}
}

func TestDispatchAttemptNumbersIncrement(t *testing.T) {
	plan := linearPlan()
	reg := registryWith("processor", "reporter")
	_ = reg.Register(flakyExecutor("fetcher", 1))
	log := NewExecutionLog()
	d := NewDispatcher(reg, nil, log, 1, time.Second, nil)

	batch := Batch{Steps: []models.Step{plan.Steps[0]}}
	first := d.Dispatch(context.Background(), plan, batch)
	if len(first.Failed) != 1 || first.Failed[0].Attempt != 1 {
		t.Fatalf("first round = %+v, want failed attempt 1", first.Failed)
	}

	second := d.Dispatch(context.Background(), plan, batch)
	if len(second.Completed) != 1 || second.Completed[0].Attempt != 2 {
		t.Fatalf("second round = %+v, want completed attempt 2", second.Completed)
	}
}

func TestDispatchMergeOrderIndependent(t *testing.T) {
	plan := diamondPlan()
	plan.AdvanceCursor(1)
	reg := registryWith("fetcher", "reporter")
	// analyze-a has the lower index but finishes last.
	_ = reg.Register(&delayByID{name: "analyzer", slowID: "analyze-a", delay: 30 * time.Millisecond})
	log := NewExecutionLog()
	d := NewDispatcher(reg, nil, log, 2, time.Second, nil)

	batch := Batch{Steps: []models.Step{plan.Steps[1], plan.Steps[2]}, Group: "analysis"}
	res := d.Dispatch(context.Background(), plan, batch)

	if len(res.Completed) != 2 {
		t.Fatalf("completed = %d steps, want 2", len(res.Completed))
	}
	if res.Completed[0].StepID != "analyze-a" || res.Completed[1].StepID != "analyze-b" {
		t.Errorf("completed order = [%s, %s], want plan order despite arrival order",
			res.Completed[0].StepID, res.Completed[1].StepID)
	}
	if plan.Cursor != 3 {
		t.Errorf("plan cursor = %d, want 3", plan.Cursor)
	}
}

func TestDispatchIndependentStepsOneAtATime(t *testing.T) {
	plan := &models.Plan{
		ID:       "plan-independent",
		TaskType: "analysis",
		Steps: []models.Step{
			{ID: "collect", Capability: "fetcher", Action: "collect"},
			{ID: "inspect", Capability: "fetcher", Action: "inspect"},
			{ID: "publish", Capability: "fetcher", Action: "publish"},
		},
		Status: models.PlanStatusPending,
	}
	resolver, err := NewResolver(plan)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	log := NewExecutionLog()
	d := NewDispatcher(registryWith("fetcher"), nil, log, 3, time.Second, nil)

	var order []string
	for !resolver.Done() {
		batch, err := resolver.NextEligibleSteps(nil)
		if err != nil {
			t.Fatalf("NextEligibleSteps: %v", err)
		}
		// Independent, ungrouped steps release strictly one at a time.
		if len(batch.Steps) != 1 {
			t.Fatalf("batch = %d steps, want 1", len(batch.Steps))
		}
		res := d.Dispatch(context.Background(), plan, batch)
		if len(res.Completed) != 1 {
			t.Fatalf("completed = %v, want one step", res.Completed)
		}
		order = append(order, res.Completed[0].StepID)
		resolver.MarkCompleted(res.Completed[0].StepID)
	}

	want := []string{"collect", "inspect", "publish"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
	if plan.Cursor != 3 {
		t.Errorf("plan cursor = %d, want 3", plan.Cursor)
	}
}

// delayByID completes every step, holding one back by a fixed delay.
type delayByID struct {
	name   string
	slowID string
	delay  time.Duration
}

func (d *delayByID) Capability() string { return d.name }

func (d *delayByID) Execute(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error) {
	if step.ID == d.slowID {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return models.StepResult{}, ctx.Err()
		}
	}
	return models.StepResult{Status: models.StepStatusCompleted, Output: map[string]any{"msg": "ok"}}, nil
}

// failingByID fails one specific step and completes the rest.
type failingByID struct {
	name   string
	failID string
}

func (f *failingByID) Capability() string { return f.name }

func (f *failingByID) Execute(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error) {
	if step.ID == f.failID {
		return models.StepResult{
			StepID:  step.ID,
			Status:  models.StepStatusFailed,
			Error:   "synthetic failure",
			Attempt: 0,
		}, nil
	}
	return models.StepResult{Status: models.StepStatusCompleted, Output: map[string]any{"msg": "ok"}}, nil
}
