package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calder-ai/relay/pkg/models"
)

// maxInterruptErrors is the hard ceiling on errors per interrupt context
// before recovery escalates to abort. Not configurable, to bound
// unattended retry loops.
const maxInterruptErrors = 3

// StagePosition says whether an interrupt point fires before or after
// its stage.
type StagePosition int

const (
	// Before fires on stage entry.
	Before StagePosition = iota
	// After fires on stage exit.
	After
)

// StageState is the snapshot of shared state that interrupt predicates
// evaluate against.
type StageState map[string]any

// Predicate decides whether an interrupt point should fire.
type Predicate func(state StageState) bool

// InterruptPoint is a registered suspension hook on a named stage.
type InterruptPoint struct {
	// Stage is the stage name this point is attached to.
	Stage string
	// Position is before or after the stage.
	Position StagePosition
	// Type classifies the interrupt this point raises.
	Type models.InterruptType
	// Reason is the explanation attached to raised interrupts.
	Reason string
	// Predicate gates the point; nil means always fire.
	Predicate Predicate
	// Options are the choices offered to the responder.
	Options []string
	// DefaultAction is applied when the interrupt times out.
	DefaultAction string
	// Timeout is the response window for raised interrupts.
	Timeout time.Duration
}

// RecoveryAction is the next action chosen when an interrupt resolves.
type RecoveryAction string

const (
	// RecoveryContinue resumes execution.
	RecoveryContinue RecoveryAction = "continue"
	// RecoveryRetry retries the interrupted stage.
	RecoveryRetry RecoveryAction = "retry"
	// RecoveryReplan routes back to the planning stage.
	RecoveryReplan RecoveryAction = "replan"
	// RecoveryAbort stops the plan.
	RecoveryAbort RecoveryAction = "abort"
	// RecoveryWait keeps the plan suspended.
	RecoveryWait RecoveryAction = "wait"
)

// InterruptResponse is a human or automated answer to an interrupt.
type InterruptResponse struct {
	// Action is the chosen option, if the interrupt offered options.
	Action string
	// Input carries free-form responder input.
	Input string
	// StatePatch is merged into shared state on recovery.
	StatePatch map[string]any
}

// RecoveryOutcome is the result of resolving one interrupt.
type RecoveryOutcome struct {
	// Action is the next action for the plan loop.
	Action RecoveryAction
	// StatePatch is state to merge back, if any.
	StatePatch map[string]any
	// Message explains the outcome for humans.
	Message string
}

// recoveryStrategy maps one interrupt type to its recovery decision.
type recoveryStrategy func(reason *models.InterruptReason, resp InterruptResponse) RecoveryOutcome

// InterruptController is the generalized suspension mechanism. Interrupt
// points register per named stage; on stage entry and exit the controller
// evaluates their predicates, and the first match produces an
// InterruptReason and returns control to the caller. A response resolves
// each interrupt exactly once through a type-specific recovery strategy.
type InterruptController struct {
	// points holds registered interrupt points.
	points []InterruptPoint
	// active maps interrupt IDs to unresolved interrupts.
	active map[string]*models.InterruptReason
	// history archives resolved interrupts.
	history []models.InterruptReason
	// errorCounts tracks observed errors per interrupt context.
	errorCounts map[string]int
	// outcomes stores recovery outcomes by interrupt ID so the plan loop
	// can pick them up after an external handler resolves.
	outcomes map[string]RecoveryOutcome
	// strategies maps interrupt types to recovery strategies.
	strategies map[models.InterruptType]recoveryStrategy
	// changed closes and re-arms whenever an interrupt resolves.
	changed chan struct{}
	// now is the clock; injectable for tests.
	now func() time.Time
	// mu guards all fields; resolution races with the plan loop.
	mu sync.Mutex
}

// NewInterruptController creates a controller with the standard recovery
// strategies registered for every interrupt type.
func NewInterruptController() *InterruptController {
	c := &InterruptController{
		active:      make(map[string]*models.InterruptReason),
		errorCounts: make(map[string]int),
		outcomes:    make(map[string]RecoveryOutcome),
		changed:     make(chan struct{}),
		now:         time.Now,
	}
	c.strategies = map[models.InterruptType]recoveryStrategy{
		models.InterruptUserInput:       c.recoverUserInput,
		models.InterruptApproval:        c.recoverApproval,
		models.InterruptClarification:   c.recoverClarification,
		models.InterruptErrorHandling:   c.recoverError,
		models.InterruptQualityCheck:    c.recoverQualityCheck,
		models.InterruptCapabilityCheck: c.recoverCapabilityCheck,
	}
	return c
}

// RegisterPoint adds an interrupt point for a stage.
func (c *InterruptController) RegisterPoint(p InterruptPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = append(c.points, p)
}

// CheckBefore evaluates the stage's entry points against the state.
// The first predicate that fires produces an InterruptReason; nil means
// no suspension. The caller suspends by returning up its own stack;
// no goroutine blocks here.
func (c *InterruptController) CheckBefore(stage string, state StageState) *models.InterruptReason {
	return c.check(stage, Before, state)
}

// CheckAfter evaluates the stage's exit points against the state.
func (c *InterruptController) CheckAfter(stage string, state StageState) *models.InterruptReason {
	return c.check(stage, After, state)
}

func (c *InterruptController) check(stage string, pos StagePosition, state StageState) *models.InterruptReason {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.points {
		if p.Stage != stage || p.Position != pos {
			continue
		}
		if p.Predicate != nil && !p.Predicate(state) {
			continue
		}

		reason := &models.InterruptReason{
			ID:            uuid.New().String()[:8],
			Type:          p.Type,
			Stage:         stage,
			Reason:        p.Reason,
			Options:       append([]string(nil), p.Options...),
			DefaultAction: p.DefaultAction,
			Timeout:       p.Timeout,
			CreatedAt:     c.now(),
		}
		if state != nil {
			reason.Context = map[string]any{}
			for k, v := range state {
				reason.Context[k] = v
			}
		}

		if p.Type == models.InterruptErrorHandling {
			c.errorCounts[c.contextKey(reason)]++
		}

		c.active[reason.ID] = reason
		return reason
	}

	return nil
}

// Raise records an externally constructed interrupt (for example from
// the run loop's failure handling) and returns it with an ID assigned.
func (c *InterruptController) Raise(reason models.InterruptReason) *models.InterruptReason {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reason.ID == "" {
		reason.ID = uuid.New().String()[:8]
	}
	if reason.CreatedAt.IsZero() {
		reason.CreatedAt = c.now()
	}

	if reason.Type == models.InterruptErrorHandling {
		c.errorCounts[c.contextKey(&reason)]++
	}

	c.active[reason.ID] = &reason
	return &reason
}

// Resolve consumes an active interrupt exactly once. The type-specific
// recovery strategy decides the next action; the interrupt is archived
// into history and removed from the active set. Resolving an archived
// interrupt returns ErrAlreadyResolved; an unknown ID returns
// ErrInterruptUnknown.
func (c *InterruptController) Resolve(interruptID string, resp InterruptResponse) (RecoveryOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reason, ok := c.active[interruptID]
	if !ok {
		for _, h := range c.history {
			if h.ID == interruptID {
				return RecoveryOutcome{}, ErrAlreadyResolved
			}
		}
		return RecoveryOutcome{}, fmt.Errorf("%w: %s", ErrInterruptUnknown, interruptID)
	}

	strategy, ok := c.strategies[reason.Type]
	if !ok {
		return RecoveryOutcome{}, fmt.Errorf("no recovery strategy for interrupt type %s", reason.Type)
	}

	outcome := strategy(reason, resp)

	delete(c.active, interruptID)
	c.history = append(c.history, *reason)
	c.outcomes[interruptID] = outcome
	close(c.changed)
	c.changed = make(chan struct{})

	return outcome, nil
}

// Outcome returns the recovery outcome of a resolved interrupt, letting
// the plan loop observe resolutions performed by external handlers.
func (c *InterruptController) Outcome(interruptID string) (RecoveryOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outcomes[interruptID]
	return out, ok
}

// Changed returns a channel that closes the next time any interrupt
// resolves. Callers re-arm by calling Changed again after a wakeup.
func (c *InterruptController) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Active returns the unresolved interrupts.
func (c *InterruptController) Active() []models.InterruptReason {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.InterruptReason, 0, len(c.active))
	for _, r := range c.active {
		out = append(out, *r)
	}
	return out
}

// ActiveCount returns the number of unresolved interrupts.
func (c *InterruptController) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// History returns a copy of the resolved-interrupt archive.
func (c *InterruptController) History() []models.InterruptReason {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.InterruptReason, len(c.history))
	copy(out, c.history)
	return out
}

// ErrorCount returns the observed error count for a context key.
func (c *InterruptController) ErrorCount(contextKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCounts[contextKey]
}

// contextKey derives the error-accounting key for an interrupt: the
// "context" entry of its state when present, else its stage name.
func (c *InterruptController) contextKey(reason *models.InterruptReason) string {
	if reason.Context != nil {
		if v, ok := reason.Context["context"].(string); ok && v != "" {
			return v
		}
	}
	return reason.Stage
}

// recoverUserInput merges the responder's input and continues.
func (c *InterruptController) recoverUserInput(reason *models.InterruptReason, resp InterruptResponse) RecoveryOutcome {
	patch := resp.StatePatch
	if resp.Input != "" {
		if patch == nil {
			patch = map[string]any{}
		}
		patch["user_input"] = resp.Input
	}
	return RecoveryOutcome{Action: RecoveryContinue, StatePatch: patch, Message: "user input received"}
}

// recoverApproval continues on approve and aborts on anything else.
func (c *InterruptController) recoverApproval(reason *models.InterruptReason, resp InterruptResponse) RecoveryOutcome {
	if resp.Action == "approve" {
		return RecoveryOutcome{Action: RecoveryContinue, StatePatch: resp.StatePatch, Message: "approved"}
	}
	return RecoveryOutcome{Action: RecoveryAbort, Message: "approval denied"}
}

// recoverClarification routes back to planning with the clarified intent.
func (c *InterruptController) recoverClarification(reason *models.InterruptReason, resp InterruptResponse) RecoveryOutcome {
	patch := resp.StatePatch
	if resp.Input != "" {
		if patch == nil {
			patch = map[string]any{}
		}
		patch["clarification"] = resp.Input
	}
	return RecoveryOutcome{Action: RecoveryReplan, StatePatch: patch, Message: "clarification received, replanning"}
}

// recoverError retries until the context hits the error ceiling, then
// aborts unconditionally.
func (c *InterruptController) recoverError(reason *models.InterruptReason, resp InterruptResponse) RecoveryOutcome {
	key := c.contextKey(reason)
	if c.errorCounts[key] >= maxInterruptErrors {
		return RecoveryOutcome{
			Action:  RecoveryAbort,
			Message: fmt.Sprintf("error ceiling reached for %s (%d errors)", key, c.errorCounts[key]),
		}
	}
	if resp.Action == "abort" {
		return RecoveryOutcome{Action: RecoveryAbort, Message: "aborted by responder"}
	}
	return RecoveryOutcome{Action: RecoveryRetry, StatePatch: resp.StatePatch, Message: "retrying after error"}
}

// recoverQualityCheck continues on pass, retries on anything else.
func (c *InterruptController) recoverQualityCheck(reason *models.InterruptReason, resp InterruptResponse) RecoveryOutcome {
	if resp.Action == "pass" {
		return RecoveryOutcome{Action: RecoveryContinue, Message: "quality check passed"}
	}
	return RecoveryOutcome{Action: RecoveryRetry, StatePatch: resp.StatePatch, Message: "quality check failed, retrying"}
}

// recoverCapabilityCheck retries once the capability is back, waits
// while it is still down, and aborts when the responder (or an expiry
// default) gives up.
func (c *InterruptController) recoverCapabilityCheck(reason *models.InterruptReason, resp InterruptResponse) RecoveryOutcome {
	switch resp.Action {
	case "available", "retry":
		return RecoveryOutcome{Action: RecoveryRetry, Message: "capability restored"}
	case "abort":
		return RecoveryOutcome{Action: RecoveryAbort, Message: "capability unavailable, aborting"}
	default:
		return RecoveryOutcome{Action: RecoveryWait, Message: "capability still unavailable"}
	}
}
