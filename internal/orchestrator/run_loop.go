package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

// runLoop is the round-serial execution loop. Each iteration evaluates
// pause and interrupt state, sweeps expired approvals, observes runtime
// health, and acts on the monitor's decision. One eligible batch is
// dispatched per round; the loop only returns once the plan holds a
// terminal or paused status.
func (o *Orchestrator) runLoop(ctx context.Context, plan *models.Plan, resolver *Resolver, dispatcher *Dispatcher, log *ExecutionLog, startedAt time.Time) error {
	approved := make(map[string]bool)
	archived := 0
	var lastCheckpoint time.Time
	var rejection error

	for {
		select {
		case <-ctx.Done():
			return o.suspend(plan, log, ctx.Err())
		default:
		}

		if err := o.pause.WaitIfPaused(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return o.finish(plan, models.PlanStatusAborted, ErrStopped)
			}
			return o.suspend(plan, log, err)
		}

		if n := o.gate.CleanupExpired(); n > 0 {
			o.logger.Log("expired %d approval request(s)", n)
		}

		if done, err := o.settleInterrupts(ctx, plan, log); done {
			return err
		}

		batch, rerr := resolver.NextEligibleSteps(nil)
		blocked := rerr != nil && errors.Is(rerr, ErrDependencyBlocked)

		res := o.monitor.Observe(plan, log, startedAt)
		action := o.monitor.DecideNextAction(plan, res, LoopState{
			ApprovalPending: o.gate.PendingFor(plan.ID) != nil,
			ShouldContinue:  !o.pause.IsStopped() && rejection == nil,
			Blocked:         blocked,
			Batch:           batch,
		})

		switch action {
		case ActionComplete:
			plan.Metadata = mergeMetadata(plan.Metadata, "completed_at", o.now().Format(time.RFC3339))
			return o.finish(plan, models.PlanStatusCompleted, nil)

		case ActionPause:
			if _, err := o.CreateCheckpoint(plan, log); err != nil {
				o.logger.Log("checkpoint before pause failed: %v", err)
			}
			if rejection != nil {
				return o.finish(plan, models.PlanStatusAborted, rejection)
			}
			return o.finish(plan, models.PlanStatusPaused, nil)

		case ActionWaitApproval:
			status, err := o.awaitApproval(ctx, plan, approved)
			if err != nil {
				return o.suspend(plan, log, err)
			}
			switch status {
			case ApprovalRejected:
				// Rejection flips should-continue; the monitor's next
				// decision is pause, and the plan ends aborted there.
				rejection = ErrApprovalRejected
			case ApprovalModificationRequested:
				if _, err := o.CreateCheckpoint(plan, log); err != nil {
					o.logger.Log("checkpoint before modification pause failed: %v", err)
				}
				return o.finish(plan, models.PlanStatusPaused, nil)
			}

		case ActionRequestIntervention:
			o.raiseInterventionInterrupt(plan, res)

		case ActionErrorRecovery:
			// A hot error window can outlast the failures: if every
			// step already completed, the plan is done regardless.
			if resolver.Done() {
				return o.finish(plan, models.PlanStatusCompleted, nil)
			}
			if summary, exhausted := o.retryBudgetExceeded(plan, resolver, log); exhausted {
				plan.Metadata = mergeMetadata(plan.Metadata, "failure_summary", summary)
				return o.finish(plan, models.PlanStatusFailed, errors.New(summary))
			}
			if plan.Retry.Backoff > 0 {
				if err := sleepCtx(ctx, plan.Retry.Backoff); err != nil {
					return o.suspend(plan, log, err)
				}
			}
			if done, err := o.round(ctx, plan, resolver, dispatcher, log, batch, approved, &archived); done {
				return err
			}

		case ActionWaitDependencies:
			// Round-serial execution has nothing in flight, so a block
			// can never clear on its own.
			return o.finish(plan, models.PlanStatusFailed, fmt.Errorf("%w: no eligible steps with %d of %d completed", ErrDependencyBlocked, len(resolver.CompletedIDs()), len(plan.Steps)))

		case ActionCreateCheckpoint:
			if o.now().Sub(lastCheckpoint) >= o.checkpointInterval {
				if _, err := o.CreateCheckpoint(plan, log); err != nil {
					o.logger.Log("checkpoint failed: %v", err)
				} else {
					lastCheckpoint = o.now()
				}
			}
			if done, err := o.round(ctx, plan, resolver, dispatcher, log, batch, approved, &archived); done {
				return err
			}

		default:
			// ActionDispatchParallel or execute_<capability>.
			if done, err := o.round(ctx, plan, resolver, dispatcher, log, batch, approved, &archived); done {
				return err
			}
		}
	}
}

// round runs one dispatch round: step-level approval checks, the
// pre-dispatch interrupt point, the dispatch itself, then persistence of
// results and progress. It returns done=true when the loop must exit.
func (o *Orchestrator) round(ctx context.Context, plan *models.Plan, resolver *Resolver, dispatcher *Dispatcher, log *ExecutionLog, batch Batch, approved map[string]bool, archived *int) (bool, error) {
	if batch.Empty() {
		return false, nil
	}

	// A step re-entering the batch has already failed; refuse the round
	// once its attempt budget (one run plus MaxRetries) is spent.
	var exhausted []FailureInfo
	for i := range batch.Steps {
		st := batch.Steps[i]
		if attempts := log.Attempts(st.ID); attempts >= 1+plan.Retry.MaxRetries {
			exhausted = append(exhausted, FailureInfo{
				StepID:     st.ID,
				Capability: st.Capability,
				Attempt:    attempts,
				Reason:     lastFailureReason(log, st.ID),
			})
		}
	}
	if len(exhausted) > 0 {
		summary := FailureSummary(plan, exhausted)
		plan.Metadata = mergeMetadata(plan.Metadata, "failure_summary", summary)
		return true, o.finish(plan, models.PlanStatusFailed, errors.New(summary))
	}

	// Steps flagged for human signoff open an approval request; the
	// whole round waits until the loop sees the decision.
	waiting := false
	for i := range batch.Steps {
		st := batch.Steps[i]
		if st.RequiresHuman && !approved[st.ID] {
			req := o.gate.RequestApproval(plan, &st, fmt.Sprintf("step %s requires human signoff: %s", st.ID, st.Action))
			o.emit(Event{Type: EventApprovalRequested, PlanID: plan.ID, StepID: st.ID, Message: req.ID})
			waiting = true
		}
	}
	if waiting {
		return false, nil
	}

	if reason := o.interrupts.CheckBefore("dispatch", StageState{
		"plan_id": plan.ID,
		"cursor":  plan.Cursor,
		"group":   batch.Group,
	}); reason != nil {
		o.emit(Event{Type: EventInterruptRaised, PlanID: plan.ID, Message: reason.ID})
		return false, nil
	}

	for i := range batch.Steps {
		o.emit(Event{Type: EventStepDispatched, PlanID: plan.ID, StepID: batch.Steps[i].ID, Cursor: plan.Cursor})
	}

	result := dispatcher.Dispatch(ctx, plan, batch)

	for _, r := range result.Completed {
		resolver.MarkCompleted(r.StepID)
		o.emit(Event{Type: EventStepCompleted, PlanID: plan.ID, StepID: r.StepID, Cursor: plan.Cursor})
	}
	for _, f := range result.Failed {
		o.emit(Event{
			Type:    EventStepFailed,
			PlanID:  plan.ID,
			StepID:  f.StepID,
			Message: f.Reason,
			Error:   errors.New(f.Reason),
		})
	}

	o.archiveRecords(plan, log, archived)
	o.persistProgress(plan)

	if reason := o.interrupts.CheckAfter("dispatch", StageState{
		"plan_id":   plan.ID,
		"cursor":    plan.Cursor,
		"completed": len(result.Completed),
		"failed":    len(result.Failed),
	}); reason != nil {
		o.emit(Event{Type: EventInterruptRaised, PlanID: plan.ID, Message: reason.ID})
	}

	return false, nil
}

// settleInterrupts blocks while interrupts are active. Expired
// interrupts auto-resolve with their declared default action; resolved
// outcomes steer the loop: abort and replan end the run, wait keeps the
// loop suspended, continue and retry merge any state patch and proceed.
func (o *Orchestrator) settleInterrupts(ctx context.Context, plan *models.Plan, log *ExecutionLog) (bool, error) {
	for {
		active := o.interrupts.Active()
		if len(active) == 0 {
			return false, nil
		}
		reason := active[0]

		if reason.Expired(o.now()) {
			resp := InterruptResponse{Action: reason.DefaultAction}
			if _, err := o.interrupts.Resolve(reason.ID, resp); err != nil && !errors.Is(err, ErrAlreadyResolved) {
				o.logger.Log("auto-resolve interrupt %s: %v", reason.ID, err)
			}
		} else {
			changed := o.interrupts.Changed()
			select {
			case <-ctx.Done():
				return true, o.suspend(plan, log, ctx.Err())
			case <-changed:
			case <-time.After(o.pollInterval):
			}
		}

		out, ok := o.interrupts.Outcome(reason.ID)
		if !ok {
			continue
		}
		o.emit(Event{Type: EventInterruptResolved, PlanID: plan.ID, Message: reason.ID})

		switch out.Action {
		case RecoveryAbort:
			return true, o.finish(plan, models.PlanStatusAborted, fmt.Errorf("interrupt %s: %s", reason.ID, out.Message))
		case RecoveryReplan:
			if _, err := o.CreateCheckpoint(plan, log); err != nil {
				o.logger.Log("checkpoint before replan failed: %v", err)
			}
			plan.Metadata = mergeMetadata(plan.Metadata, "replan_requested", out.Message)
			return true, o.finish(plan, models.PlanStatusPaused, nil)
		case RecoveryWait:
			if err := sleepCtx(ctx, o.pollInterval); err != nil {
				return true, o.suspend(plan, log, err)
			}
		default:
			for k, v := range out.StatePatch {
				plan.Metadata = mergeMetadata(plan.Metadata, k, v)
			}
		}
	}
}

// awaitApproval blocks until the plan's pending approval request
// resolves, sweeping expired requests while it waits. It returns the
// terminal status of the resolved request.
func (o *Orchestrator) awaitApproval(ctx context.Context, plan *models.Plan, approved map[string]bool) (ApprovalStatus, error) {
	req := o.gate.PendingFor(plan.ID)
	if req == nil {
		return ApprovalApproved, nil
	}
	id := req.ID

	for {
		changed := o.gate.Changed()
		cur := o.gate.Get(id)
		if cur != nil && cur.Status.Terminal() {
			if cur.Status == ApprovalApproved && cur.StepID != "" {
				approved[cur.StepID] = true
			}
			return cur.Status, nil
		}

		select {
		case <-ctx.Done():
			return ApprovalPending, ctx.Err()
		case <-changed:
		case <-time.After(o.pollInterval):
			o.gate.CleanupExpired()
		}
	}
}

// raiseInterventionInterrupt opens a capability-check interrupt for the
// first high-severity issue that needs a human. RequestApproval-style
// dedup is not needed: settleInterrupts blocks until resolution, so only
// one intervention interrupt is open at a time.
func (o *Orchestrator) raiseInterventionInterrupt(plan *models.Plan, res MonitoringResult) {
	description := "execution needs human intervention"
	for _, issue := range res.Issues {
		if issue.Severity == SeverityHigh {
			description = issue.Description
			break
		}
	}

	reason := o.interrupts.Raise(models.InterruptReason{
		Type:   models.InterruptCapabilityCheck,
		Stage:  "dispatch",
		Reason: description,
		Context: map[string]any{
			"context": "intervention",
			"plan_id": plan.ID,
		},
		Options:       []string{"retry", "abort"},
		DefaultAction: "abort",
		Timeout:       o.stepTimeout,
	})
	o.emit(Event{Type: EventInterruptRaised, PlanID: plan.ID, Message: reason.ID})
	o.logger.Log("intervention interrupt %s raised: %s", reason.ID, description)
}

// retryBudgetExceeded reports whether any incomplete step has used up
// its attempts. Attempt one plus MaxRetries retries is the ceiling.
func (o *Orchestrator) retryBudgetExceeded(plan *models.Plan, resolver *Resolver, log *ExecutionLog) (string, bool) {
	completed := make(map[string]bool)
	for _, id := range resolver.CompletedIDs() {
		completed[id] = true
	}

	var failures []FailureInfo
	for _, r := range log.Results() {
		if r.Status != models.StepStatusFailed || completed[r.StepID] {
			continue
		}
		if log.Attempts(r.StepID) > plan.Retry.MaxRetries {
			step := plan.StepByID(r.StepID)
			capability := ""
			if step != nil {
				capability = step.Capability
			}
			failures = append(failures, FailureInfo{
				StepID:     r.StepID,
				Capability: capability,
				Attempt:    r.Attempt,
				Reason:     r.Error,
			})
		}
	}
	if len(failures) == 0 {
		return "", false
	}
	return FailureSummary(plan, failures), true
}

// finish records the plan's final status, persists it, and emits the
// closing event. The cause is returned so callers see why a plan failed
// or aborted; completed and paused runs return nil.
func (o *Orchestrator) finish(plan *models.Plan, status models.PlanStatus, cause error) error {
	plan.Status = status
	o.persistProgress(plan)

	eventType := EventPlanDone
	message := string(status)
	if status == models.PlanStatusPaused {
		eventType = EventPlanPaused
		message = "execution paused"
	}
	o.emit(Event{Type: eventType, PlanID: plan.ID, Message: message, Error: cause, Cursor: plan.Cursor})
	o.logger.Log("plan %s finished with status %s (cursor %d)", plan.ID, status, plan.Cursor)

	if status == models.PlanStatusFailed || status == models.PlanStatusAborted {
		return cause
	}
	return nil
}

// suspend checkpoints and pauses the plan when the context is canceled,
// preserving enough state for a later Resume.
func (o *Orchestrator) suspend(plan *models.Plan, log *ExecutionLog, cause error) error {
	if _, err := o.CreateCheckpoint(plan, log); err != nil {
		o.logger.Log("checkpoint on suspend failed: %v", err)
	}
	plan.Status = models.PlanStatusPaused
	o.persistProgress(plan)
	o.emit(Event{Type: EventPlanPaused, PlanID: plan.ID, Message: "suspended", Error: cause, Cursor: plan.Cursor})
	return cause
}

// archiveRecords appends newly produced execution records to the store.
func (o *Orchestrator) archiveRecords(plan *models.Plan, log *ExecutionLog, archived *int) {
	if o.store == nil {
		return
	}
	records := log.Records()
	for _, rec := range records[*archived:] {
		if err := o.store.AppendRecord(plan.ID, rec); err != nil {
			o.logger.Log("archive record %s#%d: %v", rec.StepID, rec.Attempt, err)
		}
	}
	*archived = len(records)
}

// lastFailureReason finds the most recent failure reason recorded for a
// step.
func lastFailureReason(log *ExecutionLog, stepID string) string {
	results := log.Results()
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].StepID == stepID && results[i].Status == models.StepStatusFailed {
			return results[i].Error
		}
	}
	return "retry budget exhausted"
}

func mergeMetadata(meta map[string]any, key string, value any) map[string]any {
	if meta == nil {
		meta = make(map[string]any)
	}
	meta[key] = value
	return meta
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
