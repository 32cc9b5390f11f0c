package orchestrator

import (
	"fmt"

	"github.com/calder-ai/relay/pkg/models"
)

// DependencyGraph is the directed acyclic graph of step dependencies for
// one plan. Steps are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	// order is the step IDs in original plan order.
	order []string
	// nodes maps step ID to the step itself.
	nodes map[string]*models.Step
	// edges maps step ID to the IDs of steps it depends on.
	edges map[string][]string
	// completed tracks which steps have finished successfully.
	completed map[string]bool
}

// NewDependencyGraph builds the graph from a validated plan. Returns an
// error if dependencies reference unknown steps or form a cycle; plans
// that pass models.Plan.Validate never trip these.
func NewDependencyGraph(plan *models.Plan) (*DependencyGraph, error) {
	g := &DependencyGraph{
		nodes:     make(map[string]*models.Step, len(plan.Steps)),
		edges:     make(map[string][]string, len(plan.Steps)),
		completed: make(map[string]bool),
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		g.order = append(g.order, step.ID)
		g.nodes[step.ID] = step
		g.edges[step.ID] = nil
	}

	for stepID, deps := range plan.Dependencies {
		if _, exists := g.nodes[stepID]; !exists {
			return nil, fmt.Errorf("dependencies reference unknown step %s", stepID)
		}
		for _, depID := range deps {
			if _, exists := g.nodes[depID]; !exists {
				return nil, fmt.Errorf("step %s depends on unknown step %s", stepID, depID)
			}
			g.edges[stepID] = append(g.edges[stepID], depID)
		}
	}

	if g.hasCycle() {
		return nil, models.ErrCycleDetected
	}

	return g, nil
}

// hasCycle reports whether the graph contains a circular dependency.
// Depth-first search with coloring to detect back edges.
func (g *DependencyGraph) hasCycle() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}

	return false
}

// Ready returns the steps whose dependencies are all satisfied and that
// have not completed themselves, in original plan order. The plan-order
// walk keeps scheduling deterministic: ties between independent steps
// always break toward the lowest index.
func (g *DependencyGraph) Ready() []*models.Step {
	var ready []*models.Step

	for _, id := range g.order {
		if g.completed[id] {
			continue
		}

		satisfied := true
		for _, depID := range g.edges[id] {
			if !g.completed[depID] {
				satisfied = false
				break
			}
		}

		if satisfied {
			ready = append(ready, g.nodes[id])
		}
	}

	return ready
}

// MarkComplete marks a step as completed, unblocking its dependents.
func (g *DependencyGraph) MarkComplete(stepID string) {
	if _, exists := g.nodes[stepID]; exists {
		g.completed[stepID] = true
	}
}

// IsComplete returns true if the step has been marked complete.
func (g *DependencyGraph) IsComplete(stepID string) bool {
	return g.completed[stepID]
}

// AllComplete returns true once every step has been marked complete.
func (g *DependencyGraph) AllComplete() bool {
	return len(g.completed) == len(g.nodes)
}

// CompletedIDs returns the IDs of completed steps in plan order.
func (g *DependencyGraph) CompletedIDs() []string {
	var ids []string
	for _, id := range g.order {
		if g.completed[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// Dependents returns the IDs of steps that depend on the given step.
func (g *DependencyGraph) Dependents(stepID string) []string {
	var dependents []string
	for _, id := range g.order {
		for _, depID := range g.edges[id] {
			if depID == stepID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// Size returns the number of steps in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}
