package orchestrator

import (
	"github.com/calder-ai/relay/pkg/models"
)

// Batch is one scheduling round's worth of steps. Either a single
// independent step or the eligible members of one parallel group.
type Batch struct {
	// Steps are the steps released for this round, in plan order.
	Steps []models.Step
	// Group is the parallel group the batch came from, or "" for an
	// independent step.
	Group string
}

// Empty returns true when the batch contains no steps.
func (b Batch) Empty() bool { return len(b.Steps) == 0 }

// Resolver computes the next batch of steps eligible for execution.
// It releases at most one parallel group (or one independent step) per
// scheduling round so a failure's blast radius stays bounded and
// ordering stays predictable.
type Resolver struct {
	plan  *models.Plan
	graph *DependencyGraph
}

// NewResolver builds a resolver over a validated plan.
func NewResolver(plan *models.Plan) (*Resolver, error) {
	graph, err := NewDependencyGraph(plan)
	if err != nil {
		return nil, err
	}
	return &Resolver{plan: plan, graph: graph}, nil
}

// MarkCompleted records successfully completed step IDs, unblocking
// their dependents for subsequent rounds.
func (r *Resolver) MarkCompleted(stepIDs ...string) {
	for _, id := range stepIDs {
		r.graph.MarkComplete(id)
	}
}

// Done returns true once every step in the plan has completed.
func (r *Resolver) Done() bool {
	return r.graph.AllComplete()
}

// CompletedIDs returns the completed step IDs in plan order.
func (r *Resolver) CompletedIDs() []string {
	return r.graph.CompletedIDs()
}

// NextEligibleSteps returns the next batch to dispatch.
//
// The first eligible step (lowest plan index) anchors the round. If it
// belongs to a parallel group, every other eligible member of that group
// joins the batch; eligible steps outside the group wait for a later
// round. A group with a single eligible member is returned as a batch of
// one, which is degenerate but not an error.
//
// Returns an empty batch with nil error when the plan is complete, and
// ErrDependencyBlocked when unfinished steps remain but none is eligible.
func (r *Resolver) NextEligibleSteps(exclude map[string]bool) (Batch, error) {
	ready := r.graph.Ready()

	var candidates []*models.Step
	for _, step := range ready {
		if exclude[step.ID] {
			continue
		}
		candidates = append(candidates, step)
	}

	if len(candidates) == 0 {
		if r.graph.AllComplete() {
			return Batch{}, nil
		}
		return Batch{}, ErrDependencyBlocked
	}

	anchor := candidates[0]
	if anchor.ParallelGroup == "" {
		return Batch{Steps: []models.Step{*anchor}}, nil
	}

	var steps []models.Step
	for _, step := range candidates {
		if step.ParallelGroup == anchor.ParallelGroup {
			steps = append(steps, *step)
		}
	}

	return Batch{Steps: steps, Group: anchor.ParallelGroup}, nil
}
