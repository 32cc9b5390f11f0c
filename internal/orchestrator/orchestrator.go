package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calder-ai/relay/internal/executor"
	"github.com/calder-ai/relay/internal/state"
	"github.com/calder-ai/relay/pkg/models"
)

// Orchestrator drives plans through the execution loop: it resolves
// eligible steps, dispatches them through registered executors, watches
// runtime health, gates high-risk work behind human approval, and saves
// checkpoints for recovery. One Orchestrator can run plans sequentially;
// each Run owns its plan until a terminal status is reached.
type Orchestrator struct {
	registry   *executor.Registry
	gate       *ApprovalGate
	interrupts *InterruptController
	monitor    *Monitor
	store      state.Store
	emitter    *EventEmitter
	pause      *PauseController
	logger     *DebugLogger

	maxParallel        int
	stepTimeout        time.Duration
	pollInterval       time.Duration
	checkpointInterval time.Duration

	// now is the clock; injectable for tests.
	now func() time.Time
}

// New creates an Orchestrator from required configuration and options.
func New(required RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if required.Registry == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}

	options := &orchestratorOptions{
		maxParallel:        3,
		stepTimeout:        300 * time.Second,
		pollInterval:       250 * time.Millisecond,
		checkpointInterval: 30 * time.Second,
		eventBuffer:        100,
	}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = NopLogger()
	}
	gate := options.gate
	if gate == nil {
		gate = NewApprovalGate(options.gateConfig)
	}
	interrupts := options.interrupts
	if interrupts == nil {
		interrupts = NewInterruptController()
	}
	monitor := options.monitor
	if monitor == nil {
		monitor = NewMonitor(required.Registry)
	}
	if options.monitorThresholds != nil {
		monitor.SetThresholds(*options.monitorThresholds)
	}

	return &Orchestrator{
		registry:           required.Registry,
		gate:               gate,
		interrupts:         interrupts,
		monitor:            monitor,
		store:              options.store,
		emitter:            NewEventEmitter(options.eventBuffer),
		pause:              NewPauseController(),
		logger:             logger,
		maxParallel:        options.maxParallel,
		stepTimeout:        options.stepTimeout,
		pollInterval:       options.pollInterval,
		checkpointInterval: options.checkpointInterval,
		now:                time.Now,
	}, nil
}

// Run executes a plan until it reaches a terminal status or is paused.
// The plan's Status, Cursor, and Metadata reflect the outcome; the
// returned error carries the cause for failed and aborted runs.
func (o *Orchestrator) Run(ctx context.Context, plan *models.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	resolver, err := NewResolver(plan)
	if err != nil {
		return err
	}
	return o.execute(ctx, plan, resolver)
}

// Resume continues a previously interrupted plan. The completed step IDs
// come from the record archive; steps in that set are never re-executed.
func (o *Orchestrator) Resume(ctx context.Context, plan *models.Plan, completedStepIDs []string) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	resolver, err := NewResolver(plan)
	if err != nil {
		return err
	}
	resolver.MarkCompleted(completedStepIDs...)
	return o.execute(ctx, plan, resolver)
}

func (o *Orchestrator) execute(ctx context.Context, plan *models.Plan, resolver *Resolver) error {
	plan.Status = models.PlanStatusInProgress
	o.persistProgress(plan)

	log := NewExecutionLog()
	dispatcher := NewDispatcher(o.registry, o.registry, log, o.maxParallel, o.stepTimeout, o.logger)

	o.emit(Event{Type: EventPlanStarted, PlanID: plan.ID, Message: plan.Description})
	o.logger.Log("plan %s started: %d steps, cursor %d", plan.ID, len(plan.Steps), plan.Cursor)

	if o.gate.RequiresApproval(plan, nil) {
		req := o.gate.RequestApproval(plan, nil, plan.Description)
		o.emit(Event{Type: EventApprovalRequested, PlanID: plan.ID, Message: req.ID})
		o.logger.Log("plan %s awaiting approval (request %s)", plan.ID, req.ID)
	}

	return o.runLoop(ctx, plan, resolver, dispatcher, log, o.now())
}

// CreateCheckpoint saves a durable snapshot of the plan's progress with
// enough recovery instructions to resume after a crash: the cursor, the
// capabilities the remaining steps need, and the dependency map
// restricted to pending steps.
func (o *Orchestrator) CreateCheckpoint(plan *models.Plan, log *ExecutionLog) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{
		ID:        uuid.New().String()[:8],
		PlanID:    plan.ID,
		Timestamp: o.now(),
		Cursor:    plan.Cursor,
		Recovery: models.RecoveryInstructions{
			ResumeFrom:           plan.Cursor,
			RequiredCapabilities: plan.RequiredCapabilities(),
			Dependencies:         pendingDependencies(plan),
		},
	}
	if log != nil {
		cp.RecentRecords = log.RecentRecords(10)
	}

	if o.store != nil {
		if err := o.store.SaveCheckpoint(cp); err != nil {
			return nil, fmt.Errorf("save checkpoint: %w", err)
		}
	}

	o.emit(Event{Type: EventCheckpointSaved, PlanID: plan.ID, Message: cp.ID, Cursor: plan.Cursor})
	o.logger.Log("checkpoint %s saved for plan %s at cursor %d", cp.ID, plan.ID, plan.Cursor)
	return cp, nil
}

// pendingDependencies restricts the plan's dependency map to steps the
// cursor has not passed yet.
func pendingDependencies(plan *models.Plan) map[string][]string {
	pending := make(map[string][]string)
	for i := plan.Cursor; i < len(plan.Steps); i++ {
		id := plan.Steps[i].ID
		if deps, ok := plan.Dependencies[id]; ok {
			pending[id] = append([]string(nil), deps...)
		}
	}
	return pending
}

// SubmitApprovalDecision records a human decision on a pending approval
// request. It is safe to call from any goroutine; the run loop observes
// the resolution through the gate's change channel.
func (o *Orchestrator) SubmitApprovalDecision(requestID string, status ApprovalStatus, approver, reason string) (*ApprovalRequest, error) {
	req, err := o.gate.ApplyDecision(requestID, status, approver, reason)
	if err != nil {
		return nil, err
	}
	o.emit(Event{Type: EventApprovalResolved, PlanID: req.PlanID, StepID: req.StepID, Message: string(status)})
	return req, nil
}

// SubmitInterruptResponse resolves an active interrupt with a human or
// automated response.
func (o *Orchestrator) SubmitInterruptResponse(interruptID string, resp InterruptResponse) (RecoveryOutcome, error) {
	return o.interrupts.Resolve(interruptID, resp)
}

// RaiseInterrupt records an externally constructed interrupt, suspending
// the run loop until it is resolved.
func (o *Orchestrator) RaiseInterrupt(reason models.InterruptReason) *models.InterruptReason {
	raised := o.interrupts.Raise(reason)
	o.emit(Event{Type: EventInterruptRaised, Message: raised.ID})
	return raised
}

// Gate exposes the approval gate for inspection by callers that render
// decision requests.
func (o *Orchestrator) Gate() *ApprovalGate { return o.gate }

// Interrupts exposes the interrupt controller.
func (o *Orchestrator) Interrupts() *InterruptController { return o.interrupts }

// Events returns the channel observers read progress events from.
func (o *Orchestrator) Events() <-chan Event { return o.emitter.Events() }

// ApplyMonitorThresholds retunes the monitor's heuristics while the
// loop runs. Config live-reload uses this to pick up edits without a
// restart.
func (o *Orchestrator) ApplyMonitorThresholds(th MonitorThresholds) {
	o.monitor.SetThresholds(th)
}

// Pause suspends execution at the next loop boundary. In-flight steps
// finish; no new steps are dispatched until Continue or Stop.
func (o *Orchestrator) Pause() {
	o.pause.Pause()
	o.logger.Log("pause requested")
}

// Continue resumes a paused orchestrator.
func (o *Orchestrator) Continue() {
	o.pause.Resume()
	o.logger.Log("continue requested")
}

// Stop aborts execution at the next loop boundary.
func (o *Orchestrator) Stop() {
	o.pause.Stop()
	o.logger.Log("stop requested")
}

// Close releases the event channel and the debug log file.
func (o *Orchestrator) Close() error {
	o.emitter.Close()
	return o.logger.Close()
}

func (o *Orchestrator) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = o.now()
	}
	o.emitter.Emit(event)
}

func (o *Orchestrator) persistProgress(plan *models.Plan) {
	if o.store == nil {
		return
	}
	if err := o.store.SavePlan(plan); err != nil {
		o.logger.Log("persist plan %s: %v", plan.ID, err)
	}
}
