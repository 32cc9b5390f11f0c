package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/calder-ai/relay/internal/executor"
	"github.com/calder-ai/relay/pkg/models"
)

// linearPlan is three steps that must run in order: fetch -> process -> report.
func linearPlan() *models.Plan {
	return &models.Plan{
		ID:          "plan-linear",
		TaskType:    "analysis",
		Description: "fetch, process, report",
		Priority:    models.PriorityNormal,
		Complexity:  models.ComplexityModerate,
		Steps: []models.Step{
			{ID: "fetch", Capability: "fetcher", Action: "fetch input"},
			{ID: "process", Capability: "processor", Action: "process input"},
			{ID: "report", Capability: "reporter", Action: "write report"},
		},
		Dependencies: map[string][]string{
			"process": {"fetch"},
			"report":  {"process"},
		},
		Retry:     models.RetryPolicy{MaxRetries: 1},
		Status:    models.PlanStatusPending,
		CreatedAt: time.Now(),
	}
}

// diamondPlan fans out from setup into a parallel group of two analyzers,
// then joins at summarize.
func diamondPlan() *models.Plan {
	return &models.Plan{
		ID:          "plan-diamond",
		TaskType:    "analysis",
		Description: "setup, parallel analysis, summarize",
		Priority:    models.PriorityNormal,
		Complexity:  models.ComplexityModerate,
		Steps: []models.Step{
			{ID: "setup", Capability: "fetcher", Action: "prepare inputs"},
			{ID: "analyze-a", Capability: "analyzer", Action: "analyze region a", ParallelGroup: "analysis"},
			{ID: "analyze-b", Capability: "analyzer", Action: "analyze region b", ParallelGroup: "analysis"},
			{ID: "summarize", Capability: "reporter", Action: "summarize results"},
		},
		Dependencies: map[string][]string{
			"analyze-a": {"setup"},
			"analyze-b": {"setup"},
			"summarize": {"analyze-a", "analyze-b"},
		},
		ParallelGroups: map[string][]string{
			"analysis": {"analyze-a", "analyze-b"},
		},
		Retry:     models.RetryPolicy{MaxRetries: 1},
		Status:    models.PlanStatusPending,
		CreatedAt: time.Now(),
	}
}

// okExecutor always completes immediately.
func okExecutor(capability string) *executor.Func {
	return &executor.Func{
		Name: capability,
		Run: func(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error) {
			return models.StepResult{Status: models.StepStatusCompleted, Output: map[string]any{"msg": "ok"}}, nil
		},
	}
}

// failExecutor always fails with the given reason.
func failExecutor(capability, reason string) *executor.Func {
	return &executor.Func{
		Name: capability,
		Run: func(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error) {
			return models.StepResult{}, errors.New(reason)
		},
	}
}

// flakyExecutor fails the first n attempts per step, then succeeds.
func flakyExecutor(capability string, n int) *executor.Func {
	attempts := make(map[string]int)
	return &executor.Func{
		Name: capability,
		Run: func(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error) {
			attempts[step.ID]++
			if attempts[step.ID] <= n {
				return models.StepResult{}, errors.New("transient failure")
			}
			return models.StepResult{Status: models.StepStatusCompleted, Output: map[string]any{"msg": "ok"}}, nil
		},
	}
}

// slowExecutor blocks until the context expires.
func slowExecutor(capability string) *executor.Func {
	return &executor.Func{
		Name: capability,
		Run: func(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error) {
			<-ctx.Done()
			return models.StepResult{}, ctx.Err()
		},
	}
}

// registryWith registers one executor per named capability, all succeeding.
func registryWith(capabilities ...string) *executor.Registry {
	reg := executor.NewRegistry()
	for _, c := range capabilities {
		_ = reg.Register(okExecutor(c))
	}
	return reg
}
