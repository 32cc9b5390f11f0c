package executor

import (
	"context"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

// Func adapts a plain function into an Executor. Useful for tests and for
// the CLI's scripted plan runs.
type Func struct {
	// Name is the capability this executor serves.
	Name string
	// Run is invoked for each dispatched step.
	Run func(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error)
}

// Capability returns the capability name.
func (f *Func) Capability() string { return f.Name }

// Execute invokes the wrapped function.
func (f *Func) Execute(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error) {
	return f.Run(ctx, step, snapshot)
}

// Scripted is an executor that simulates work: it sleeps for the step's
// estimated duration (or Delay if set) and then reports success. The CLI
// uses scripted executors so plan files can be exercised end to end
// without real agents attached.
type Scripted struct {
	// Name is the capability this executor serves.
	Name string
	// Delay overrides the step's estimated duration when positive.
	Delay time.Duration
}

// Capability returns the capability name.
func (s *Scripted) Capability() string { return s.Name }

// Execute sleeps for the configured delay, honoring ctx cancellation,
// then returns a completed result.
func (s *Scripted) Execute(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error) {
	started := time.Now()

	delay := s.Delay
	if delay <= 0 {
		delay = step.EstimatedDuration
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return models.StepResult{}, ctx.Err()
		}
	}

	return models.StepResult{
		StepID: step.ID,
		Status: models.StepStatusCompleted,
		Output: map[string]any{
			"action":     step.Action,
			"capability": s.Name,
		},
		StartedAt:  started,
		FinishedAt: time.Now(),
	}, nil
}

var (
	_ Executor = (*Func)(nil)
	_ Executor = (*Scripted)(nil)
)
