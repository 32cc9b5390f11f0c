package orchestrator

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

func TestRequiresApprovalRuleOrder(t *testing.T) {
	gate := NewApprovalGate(GateConfig{
		HighRiskTaskTypes:    []string{"deployment"},
		HighRiskCapabilities: []string{"deployer"},
		AutoApproveSimple:    true,
	})

	base := func() *models.Plan {
		p := linearPlan()
		p.Complexity = models.ComplexityModerate
		return p
	}

	t.Run("explicit plan flag", func(t *testing.T) {
		p := base()
		p.RequiresApproval = true
		if !gate.RequiresApproval(p, nil) {
			t.Error("plan flag must force approval")
		}
	})

	t.Run("step flag", func(t *testing.T) {
		p := base()
		step := &p.Steps[0]
		step.RequiresHuman = true
		if !gate.RequiresApproval(p, step) {
			t.Error("step flag must force approval")
		}
	})

	t.Run("complex plans", func(t *testing.T) {
		p := base()
		p.Complexity = models.ComplexityComplex
		if !gate.RequiresApproval(p, nil) {
			t.Error("complex plans must require approval")
		}
	})

	t.Run("high-risk task type", func(t *testing.T) {
		p := base()
		p.TaskType = "deployment"
		if !gate.RequiresApproval(p, nil) {
			t.Error("high-risk task types must require approval")
		}
	})

	t.Run("high-risk capability", func(t *testing.T) {
		p := base()
		p.Steps[1].Capability = "deployer"
		if !gate.RequiresApproval(p, nil) {
			t.Error("high-risk capabilities must require approval")
		}
	})

	t.Run("auto-approve simple consultation", func(t *testing.T) {
		p := base()
		p.TaskType = "consultation"
		p.Complexity = models.ComplexitySimple
		if gate.RequiresApproval(p, nil) {
			t.Error("simple consultations should auto-approve")
		}
	})

	t.Run("default fails safe", func(t *testing.T) {
		if !gate.RequiresApproval(base(), nil) {
			t.Error("unmatched plans must default to requiring approval")
		}
	})
}

func TestApplyDecisionIsIdempotent(t *testing.T) {
	gate := NewApprovalGate(GateConfig{})
	plan := linearPlan()
	req := gate.RequestApproval(plan, nil, "run the plan")

	resolved, err := gate.ApplyDecision(req.ID, ApprovalApproved, "operator", "looks fine")
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	if resolved.Status != ApprovalApproved || resolved.Approver != "operator" {
		t.Errorf("resolved = %+v, want approved by operator", resolved)
	}

	if _, err := gate.ApplyDecision(req.ID, ApprovalRejected, "operator", "changed my mind"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second decision error = %v, want ErrAlreadyResolved", err)
	}
	// The first decision stands.
	if got := gate.Get(req.ID); got.Status != ApprovalApproved {
		t.Errorf("status after duplicate decision = %s, want approved", got.Status)
	}
}

func TestRequestApprovalDedupsPending(t *testing.T) {
	gate := NewApprovalGate(GateConfig{})
	plan := linearPlan()

	first := gate.RequestApproval(plan, nil, "run the plan")
	second := gate.RequestApproval(plan, nil, "run the plan again")

	if first.ID != second.ID {
		t.Errorf("duplicate request opened: %s vs %s", first.ID, second.ID)
	}
	if gate.PendingCount() != 1 {
		t.Errorf("pending count = %d, want 1", gate.PendingCount())
	}
}

func TestCleanupExpiredAppliesDefaultAction(t *testing.T) {
	gate := NewApprovalGate(GateConfig{Timeout: time.Minute})
	clock := time.Now()
	gate.now = func() time.Time { return clock }

	approvePlan := linearPlan()
	approvePlan.ID = "plan-approve"
	approvePlan.DefaultAction = "approve"
	rejectPlan := linearPlan()
	rejectPlan.ID = "plan-reject"

	approveReq := gate.RequestApproval(approvePlan, nil, "expires to approve")
	rejectReq := gate.RequestApproval(rejectPlan, nil, "expires to reject")

	clock = clock.Add(2 * time.Minute)
	if n := gate.CleanupExpired(); n != 2 {
		t.Fatalf("expired = %d, want 2", n)
	}

	if got := gate.Get(approveReq.ID); got.Status != ApprovalApproved {
		t.Errorf("default approve request = %s, want approved", got.Status)
	}
	if got := gate.Get(rejectReq.ID); got.Status != ApprovalRejected {
		t.Errorf("no-default request = %s, want rejected", got.Status)
	}
	if got := gate.Get(rejectReq.ID); got.Approver != "auto:expiry" {
		t.Errorf("approver = %q, want auto:expiry", got.Approver)
	}
}

func TestChangedSignalsOnResolution(t *testing.T) {
	gate := NewApprovalGate(GateConfig{})
	plan := linearPlan()
	req := gate.RequestApproval(plan, nil, "run the plan")

	ch := gate.Changed()
	if _, err := gate.ApplyDecision(req.ID, ApprovalApproved, "operator", ""); err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Changed channel never signaled after resolution")
	}
}

func TestRenderDecisionRequest(t *testing.T) {
	plan := diamondPlan()
	plan.EstimatedDuration = 5 * time.Minute
	gate := NewApprovalGate(GateConfig{})
	req := gate.RequestApproval(plan, nil, "parallel analysis run")
	req.Risks = []string{"touches production data"}
	req.PredictedOutcomes = []string{"two analysis artifacts"}

	out := RenderDecisionRequest(plan, req)

	for _, want := range []string{"parallel analysis run", "touches production data", "two analysis artifacts", req.ID} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered request missing %q:\n%s", want, out)
		}
	}
}

func TestGateHandsOutSnapshots(t *testing.T) {
	gate := NewApprovalGate(GateConfig{})
	plan := linearPlan()

	req := gate.RequestApproval(plan, nil, "run the plan")
	if _, err := gate.ApplyDecision(req.ID, ApprovalApproved, "operator", ""); err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}

	// The caller's copy predates the resolution and must not change.
	if req.Status != ApprovalPending {
		t.Errorf("caller copy mutated by resolution: %s", req.Status)
	}
	if got := gate.Get(req.ID); got.Status != ApprovalApproved {
		t.Errorf("resolved status = %s, want approved", got.Status)
	}
}

func TestGateConcurrentResolveAndRead(t *testing.T) {
	gate := NewApprovalGate(GateConfig{})
	plan := linearPlan()
	req := gate.RequestApproval(plan, nil, "run the plan")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if r := gate.Get(req.ID); r != nil {
				_ = r.Status
			}
			_ = gate.PendingFor(plan.ID)
		}
	}()

	if _, err := gate.ApplyDecision(req.ID, ApprovalRejected, "operator", "no"); err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	close(stop)
	wg.Wait()

	if got := gate.Get(req.ID); got.Status != ApprovalRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
}
