package executor

import (
	"context"
	"testing"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

func noopFunc(name string) *Func {
	return &Func{
		Name: name,
		Run: func(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error) {
			return models.StepResult{StepID: step.ID, Status: models.StepStatusCompleted}, nil
		},
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(noopFunc("collector")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	e, err := r.Resolve("collector")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if e.Capability() != "collector" {
		t.Errorf("expected capability collector, got %s", e.Capability())
	}

	if r.Count() != 1 {
		t.Errorf("expected count 1, got %d", r.Count())
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(noopFunc("collector")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(noopFunc("collector")); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryEmptyCapability(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(noopFunc("")); err == nil {
		t.Fatal("expected empty capability to fail")
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Resolve("missing"); err == nil {
		t.Fatal("expected error for unknown capability")
	}
}

func TestRegistryAvailability(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(noopFunc("analyzer")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Registered capabilities start available.
	if !r.IsAvailable("analyzer") {
		t.Error("expected analyzer to be available after register")
	}

	r.SetAvailable("analyzer", false)
	if r.IsAvailable("analyzer") {
		t.Error("expected analyzer to be down")
	}

	r.SetAvailable("analyzer", true)
	if !r.IsAvailable("analyzer") {
		t.Error("expected analyzer to be back up")
	}

	// Unknown capabilities are never available and SetAvailable ignores them.
	r.SetAvailable("ghost", true)
	if r.IsAvailable("ghost") {
		t.Error("unknown capability should not become available")
	}
}

func TestRegistryCapabilitiesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(noopFunc(name)); err != nil {
			t.Fatalf("register %s failed: %v", name, err)
		}
	}

	caps := r.Capabilities()
	want := []string{"alpha", "mid", "zeta"}
	if len(caps) != len(want) {
		t.Fatalf("expected %d capabilities, got %d", len(want), len(caps))
	}
	for i := range want {
		if caps[i] != want[i] {
			t.Errorf("capabilities[%d] = %s, want %s", i, caps[i], want[i])
		}
	}
}

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier("analysis")
	ctx := context.Background()

	tests := []struct {
		request    string
		taskType   string
		complexity models.Complexity
	}{
		{"explain the survey results", "consultation", models.ComplexitySimple},
		{"migrate the processing pipeline", "analysis", models.ComplexityComplex},
		{"run the inversion over block 7", "analysis", models.ComplexityModerate},
	}

	for _, tt := range tests {
		got, err := c.Classify(ctx, tt.request)
		if err != nil {
			t.Fatalf("classify %q: %v", tt.request, err)
		}
		if got.TaskType != tt.taskType {
			t.Errorf("classify %q: task type %s, want %s", tt.request, got.TaskType, tt.taskType)
		}
		if got.Complexity != tt.complexity {
			t.Errorf("classify %q: complexity %s, want %s", tt.request, got.Complexity, tt.complexity)
		}
		if got.Confidence <= 0 || got.Confidence > 1 {
			t.Errorf("classify %q: confidence %f out of range", tt.request, got.Confidence)
		}
	}
}

func TestScriptedExecutorCancellation(t *testing.T) {
	s := &Scripted{Name: "slow", Delay: 5 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Execute(ctx, models.Step{ID: "s1"}, nil); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestScriptedExecutorCompletes(t *testing.T) {
	s := &Scripted{Name: "fast"}

	res, err := s.Execute(context.Background(), models.Step{ID: "s1", Action: "probe"}, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Status != models.StepStatusCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	if res.Output["action"] != "probe" {
		t.Errorf("expected action output, got %v", res.Output)
	}
}
