package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calder-ai/relay/internal/executor"
	"github.com/calder-ai/relay/pkg/models"
)

// timeoutReason is the failure reason recorded when a step exceeds its
// execution timeout.
const timeoutReason = "execution timeout"

// DispatchResult is the outcome of one dispatch round.
type DispatchResult struct {
	// Completed holds the results of steps that finished successfully.
	Completed []models.StepResult
	// Failed describes the steps that failed this round.
	Failed []FailureInfo
	// CursorAfter is the plan cursor after the round's merge.
	CursorAfter int
}

// Dispatcher executes batches of steps against registered executors.
// Single-step batches run synchronously in the calling goroutine;
// multi-step batches fan out on a bounded worker pool. Results are merged
// back single-threaded after every worker settles, so cursor advancement
// is atomic per round.
type Dispatcher struct {
	// registry resolves capabilities to executors.
	registry *executor.Registry
	// probe reports capability availability before dispatch.
	probe executor.Probe
	// log is the plan's append-only execution trail.
	log *ExecutionLog
	// maxParallel bounds the worker pool width for parallel batches.
	maxParallel int
	// stepTimeout is the per-step execution timeout.
	stepTimeout time.Duration
	// logger records debug output.
	logger *DebugLogger
}

// NewDispatcher creates a Dispatcher. maxParallel and stepTimeout fall
// back to the configured defaults when non-positive.
func NewDispatcher(registry *executor.Registry, probe executor.Probe, log *ExecutionLog, maxParallel int, stepTimeout time.Duration, logger *DebugLogger) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = 3
	}
	if stepTimeout <= 0 {
		stepTimeout = 300 * time.Second
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Dispatcher{
		registry:    registry,
		probe:       probe,
		log:         log,
		maxParallel: maxParallel,
		stepTimeout: stepTimeout,
		logger:      logger,
	}
}

// Dispatch runs one round. Every step in the batch gets an isolated clone
// of the plan as its state snapshot; the merge back into the real plan
// happens here, single-threaded, after all workers settle.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *models.Plan, batch Batch) DispatchResult {
	if batch.Empty() {
		return DispatchResult{CursorAfter: plan.Cursor}
	}

	d.logger.Log("[dispatcher] round start: %d step(s), group=%q", len(batch.Steps), batch.Group)

	results := make([]models.StepResult, len(batch.Steps))

	if len(batch.Steps) == 1 {
		// Single-step batches execute synchronously in the calling context.
		results[0] = d.executeStep(ctx, plan, batch.Steps[0])
	} else {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.maxParallel)

		for i, step := range batch.Steps {
			i, step := i, step
			g.Go(func() error {
				res := d.executeStep(gctx, plan, step)
				mu.Lock()
				results[i] = res
				mu.Unlock()
				// Sibling steps keep running even when one fails.
				return nil
			})
		}
		// Workers never return errors; Wait is a barrier.
		_ = g.Wait()
	}

	return d.merge(plan, batch, results)
}

// executeStep runs one step with a per-step timeout against an isolated
// plan snapshot and converts every failure mode into a failed result.
func (d *Dispatcher) executeStep(ctx context.Context, plan *models.Plan, step models.Step) models.StepResult {
	attempt := d.log.BeginAttempt(step.ID)
	started := time.Now()

	fail := func(reason string) models.StepResult {
		return models.StepResult{
			StepID:     step.ID,
			Attempt:    attempt,
			Status:     models.StepStatusFailed,
			Error:      reason,
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
	}

	if d.probe != nil && !d.probe.IsAvailable(step.Capability) {
		d.logger.Log("[dispatcher] step %s: capability %s unavailable", step.ID, step.Capability)
		return fail(fmt.Sprintf("capability %s unavailable", step.Capability))
	}

	exec, err := d.registry.Resolve(step.Capability)
	if err != nil {
		d.logger.Log("[dispatcher] step %s: %v", step.ID, err)
		return fail(err.Error())
	}

	stepCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()

	snapshot := plan.Clone()
	result, err := exec.Execute(stepCtx, step, snapshot)
	finished := time.Now()

	if err != nil {
		// A deadline hit converts to a failed result; the worker is
		// abandoned, not force-killed, and any late result it produces
		// is discarded by the log's resolved-once guard.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			d.logger.Log("[dispatcher] step %s timed out after %v (attempt %d)", step.ID, d.stepTimeout, attempt)
			return fail(timeoutReason)
		}
		d.logger.Log("[dispatcher] step %s failed: %v (attempt %d)", step.ID, err, attempt)
		return fail(err.Error())
	}

	result.StepID = step.ID
	result.Attempt = attempt
	if result.StartedAt.IsZero() {
		result.StartedAt = started
	}
	if result.FinishedAt.IsZero() {
		result.FinishedAt = finished
	}
	if !result.Status.Valid() {
		result.Status = models.StepStatusCompleted
	}

	return result
}

// merge appends records, advances the cursor past completed steps, and
// aggregates the round summary into the plan metadata. Cursor advancement
// is computed from step indices, never completion order, so merging is
// order-independent.
func (d *Dispatcher) merge(plan *models.Plan, batch Batch, results []models.StepResult) DispatchResult {
	out := DispatchResult{}

	maxCompletedIdx := -1
	for i, res := range results {
		step := batch.Steps[i]

		if !d.log.Append(step, res) {
			d.logger.Log("[dispatcher] dropped duplicate result for step %s attempt %d", res.StepID, res.Attempt)
			continue
		}

		switch res.Status {
		case models.StepStatusFailed:
			out.Failed = append(out.Failed, FailureInfo{
				StepID:     step.ID,
				Capability: step.Capability,
				Attempt:    res.Attempt,
				Reason:     res.Error,
			})
		default:
			out.Completed = append(out.Completed, res)
			if idx := plan.StepIndex(step.ID); idx > maxCompletedIdx {
				maxCompletedIdx = idx
			}
		}
	}

	// Failed steps stay un-advanced so the retry policy can reach them.
	if maxCompletedIdx >= 0 {
		plan.AdvanceCursor(maxCompletedIdx + 1)
	}
	out.CursorAfter = plan.Cursor

	sort.SliceStable(out.Completed, func(i, j int) bool {
		return plan.StepIndex(out.Completed[i].StepID) < plan.StepIndex(out.Completed[j].StepID)
	})

	d.updateSummary(plan, out)

	d.logger.Log("[dispatcher] round done: %d completed, %d failed, cursor=%d",
		len(out.Completed), len(out.Failed), plan.Cursor)

	return out
}

// updateSummary accumulates dispatch totals into the plan metadata.
func (d *Dispatcher) updateSummary(plan *models.Plan, res DispatchResult) {
	if plan.Metadata == nil {
		plan.Metadata = make(map[string]any)
	}

	completed, _ := plan.Metadata["completed_count"].(int)
	failed, _ := plan.Metadata["failed_count"].(int)
	completed += len(res.Completed)
	failed += len(res.Failed)

	plan.Metadata["completed_count"] = completed
	plan.Metadata["failed_count"] = failed
	if total := completed + failed; total > 0 {
		plan.Metadata["success_rate"] = float64(completed) / float64(total)
	}
}
