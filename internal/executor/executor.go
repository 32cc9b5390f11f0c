// Package executor defines the boundary between the orchestration core and
// the agents that actually perform work: the Executor capability interface,
// the typed capability registry, the availability probe, and the intent
// classifier. The core never invokes domain behavior directly; it only
// speaks through these interfaces.
package executor

import (
	"context"

	"github.com/calder-ai/relay/pkg/models"
)

// Executor runs a single step against a snapshot of shared state.
// Implementations must treat the snapshot as read-only scratch space: the
// dispatcher merges outputs back single-threaded after the round settles.
// Execute must honor ctx cancellation or be treated as hung.
type Executor interface {
	// Capability returns the capability name this executor serves.
	Capability() string
	// Execute runs the step and returns its result.
	Execute(ctx context.Context, step models.Step, snapshot *models.Plan) (models.StepResult, error)
}

// Probe reports whether an executor capability is currently usable.
// The dispatcher short-circuits steps whose capability is known-down.
type Probe interface {
	// IsAvailable returns true if the named capability can accept work.
	IsAvailable(capability string) bool
}

// Classification is the output of intent classification, consumed by the
// planning stage that produces plans.
type Classification struct {
	// TaskType is the classified task-type label.
	TaskType string
	// Confidence is the classifier's confidence in [0, 1].
	Confidence float64
	// Complexity is the estimated plan complexity.
	Complexity models.Complexity
	// SuggestedCapabilities lists capabilities likely needed for the request.
	SuggestedCapabilities []string
}

// Classifier maps a natural-language request to a task type. The
// implementation lives outside the orchestration core.
type Classifier interface {
	// Classify analyzes the request and returns a classification.
	Classify(ctx context.Context, request string) (Classification, error)
}
