package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

func TestInterruptPointFiresOnce(t *testing.T) {
	c := NewInterruptController()
	c.RegisterPoint(InterruptPoint{
		Stage:    "dispatch",
		Position: Before,
		Type:     models.InterruptQualityCheck,
		Predicate: func(state StageState) bool {
			failed, _ := state["failed"].(int)
			return failed > 0
		},
		Reason: "failures present before dispatch",
	})

	if got := c.CheckBefore("dispatch", StageState{"failed": 0}); got != nil {
		t.Fatalf("predicate false but interrupt fired: %+v", got)
	}

	reason := c.CheckBefore("dispatch", StageState{"failed": 2})
	if reason == nil {
		t.Fatal("expected interrupt to fire")
	}
	if reason.Type != models.InterruptQualityCheck {
		t.Errorf("type = %s, want quality_check", reason.Type)
	}
	if c.ActiveCount() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveCount())
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	c := NewInterruptController()
	reason := c.Raise(models.InterruptReason{
		Type:   models.InterruptUserInput,
		Stage:  "dispatch",
		Reason: "need input",
	})

	out, err := c.Resolve(reason.ID, InterruptResponse{Input: "proceed"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Action != RecoveryContinue {
		t.Errorf("outcome = %s, want continue", out.Action)
	}

	if _, err := c.Resolve(reason.ID, InterruptResponse{}); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve error = %v, want ErrAlreadyResolved", err)
	}
	if _, err := c.Resolve("no-such-id", InterruptResponse{}); !errors.Is(err, ErrInterruptUnknown) {
		t.Errorf("unknown resolve error = %v, want ErrInterruptUnknown", err)
	}

	if c.ActiveCount() != 0 {
		t.Errorf("active = %d after resolution, want 0", c.ActiveCount())
	}
	if len(c.History()) != 1 {
		t.Errorf("history = %d entries, want 1", len(c.History()))
	}
	if _, ok := c.Outcome(reason.ID); !ok {
		t.Error("outcome should be retrievable after resolution")
	}
}

func TestErrorInterruptsAbortAtCeiling(t *testing.T) {
	c := NewInterruptController()

	raise := func() *models.InterruptReason {
		return c.Raise(models.InterruptReason{
			Type:    models.InterruptErrorHandling,
			Stage:   "dispatch",
			Reason:  "step keeps failing",
			Context: map[string]any{"context": "fetch"},
		})
	}

	// First two errors in the same context recover with a retry.
	for i := 0; i < 2; i++ {
		reason := raise()
		out, err := c.Resolve(reason.ID, InterruptResponse{})
		if err != nil {
			t.Fatalf("resolve %d: %v", i+1, err)
		}
		if out.Action != RecoveryRetry {
			t.Fatalf("error %d outcome = %s, want retry", i+1, out.Action)
		}
	}

	// The third error in the same context hits the ceiling.
	reason := raise()
	out, err := c.Resolve(reason.ID, InterruptResponse{})
	if err != nil {
		t.Fatalf("resolve at ceiling: %v", err)
	}
	if out.Action != RecoveryAbort {
		t.Errorf("outcome at ceiling = %s, want abort", out.Action)
	}
	if c.ErrorCount("fetch") != 3 {
		t.Errorf("error count = %d, want 3", c.ErrorCount("fetch"))
	}

	// A different context starts from a clean count.
	other := c.Raise(models.InterruptReason{
		Type:    models.InterruptErrorHandling,
		Stage:   "dispatch",
		Reason:  "different step failing",
		Context: map[string]any{"context": "report"},
	})
	out, err = c.Resolve(other.ID, InterruptResponse{})
	if err != nil {
		t.Fatalf("resolve other context: %v", err)
	}
	if out.Action != RecoveryAbort && out.Action != RecoveryRetry {
		t.Fatalf("unexpected outcome %s", out.Action)
	}
	if out.Action != RecoveryRetry {
		t.Errorf("fresh context outcome = %s, want retry", out.Action)
	}
}

func TestRecoveryStrategies(t *testing.T) {
	cases := []struct {
		name string
		typ  models.InterruptType
		resp InterruptResponse
		want RecoveryAction
	}{
		{"approval approved continues", models.InterruptApproval, InterruptResponse{Action: "approve"}, RecoveryContinue},
		{"approval rejected aborts", models.InterruptApproval, InterruptResponse{Action: "reject"}, RecoveryAbort},
		{"clarification replans", models.InterruptClarification, InterruptResponse{Input: "use region b only"}, RecoveryReplan},
		{"quality pass continues", models.InterruptQualityCheck, InterruptResponse{Action: "pass"}, RecoveryContinue},
		{"quality fail retries", models.InterruptQualityCheck, InterruptResponse{Action: "fail"}, RecoveryRetry},
		{"capability available retries", models.InterruptCapabilityCheck, InterruptResponse{Action: "available"}, RecoveryRetry},
		{"capability missing waits", models.InterruptCapabilityCheck, InterruptResponse{Action: "unavailable"}, RecoveryWait},
		{"capability abort gives up", models.InterruptCapabilityCheck, InterruptResponse{Action: "abort"}, RecoveryAbort},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewInterruptController()
			reason := c.Raise(models.InterruptReason{Type: tc.typ, Stage: "dispatch", Reason: tc.name})
			out, err := c.Resolve(reason.ID, tc.resp)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if out.Action != tc.want {
				t.Errorf("outcome = %s, want %s", out.Action, tc.want)
			}
		})
	}
}

func TestUserInputPatchFlowsThrough(t *testing.T) {
	c := NewInterruptController()
	reason := c.Raise(models.InterruptReason{Type: models.InterruptUserInput, Stage: "dispatch", Reason: "pick a region"})

	out, err := c.Resolve(reason.ID, InterruptResponse{
		Input:      "region b",
		StatePatch: map[string]any{"region": "b"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.StatePatch["region"] != "b" {
		t.Errorf("state patch = %v, want region b", out.StatePatch)
	}
}

func TestInterruptExpiry(t *testing.T) {
	created := time.Now()
	reason := models.InterruptReason{
		Type:      models.InterruptApproval,
		Timeout:   time.Minute,
		CreatedAt: created,
	}

	if reason.Expired(created.Add(30 * time.Second)) {
		t.Error("interrupt expired inside its window")
	}
	if !reason.Expired(created.Add(2 * time.Minute)) {
		t.Error("interrupt not expired past its window")
	}
}
