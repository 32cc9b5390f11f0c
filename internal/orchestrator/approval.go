package orchestrator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calder-ai/relay/pkg/models"
)

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	// ApprovalNotRequired means no gate applies.
	ApprovalNotRequired ApprovalStatus = "not_required"
	// ApprovalPending means the request awaits a human decision.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved is a terminal approved state.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected is a terminal rejected state.
	ApprovalRejected ApprovalStatus = "rejected"
	// ApprovalModificationRequested routes the plan back to planning.
	ApprovalModificationRequested ApprovalStatus = "modification_requested"
)

// Terminal returns true for states that end the approval lifecycle here.
// Modification requests are terminal for the gate but route back to the
// planning stage, which is outside the orchestration core.
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalModificationRequested:
		return true
	default:
		return false
	}
}

// ApprovalRequest is one pending or resolved decision request.
type ApprovalRequest struct {
	// ID is the unique identifier for this request.
	ID string
	// PlanID is the plan awaiting the decision.
	PlanID string
	// StepID is the specific step, or "" for a plan-level gate.
	StepID string
	// Summary describes what is being approved.
	Summary string
	// Risks lists the identified risk points.
	Risks []string
	// PredictedOutcomes lists expected results of proceeding.
	PredictedOutcomes []string
	// ResourceEstimate is the expected cost of proceeding.
	ResourceEstimate string
	// DefaultAction is applied on expiry ("approve" or "reject").
	DefaultAction string
	// CreatedAt is when the request was opened.
	CreatedAt time.Time
	// Deadline is when the request expires.
	Deadline time.Time
	// Status is the current state.
	Status ApprovalStatus
	// Approver is who resolved the request ("auto:expiry" on expiry).
	Approver string
	// Reason carries context for rejections or modification requests.
	Reason string
	// ResolvedAt is when the request left the pending state.
	ResolvedAt *time.Time
}

// clone returns an independent copy. The gate hands out clones so
// callers never read a request the gate may still mutate.
func (r *ApprovalRequest) clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	c.Risks = append([]string(nil), r.Risks...)
	c.PredictedOutcomes = append([]string(nil), r.PredictedOutcomes...)
	return &c
}

// GateConfig holds the approval gate's rule configuration.
type GateConfig struct {
	// HighRiskTaskTypes always require approval.
	HighRiskTaskTypes []string
	// HighRiskCapabilities always require approval when requested.
	HighRiskCapabilities []string
	// AutoApproveSimple skips approval for simple consultation-type plans.
	AutoApproveSimple bool
	// Timeout is the approval response window.
	Timeout time.Duration
}

// ApprovalGate is the synchronous human-in-the-loop barrier. It decides
// whether a plan or step needs sign-off, records pending requests with
// deadlines, applies decisions idempotently, and reclaims expired
// requests. Requesting approval never blocks; the run loop waits on the
// gate's change notifications.
type ApprovalGate struct {
	// cfg is the rule configuration.
	cfg GateConfig
	// pending maps request IDs to open requests.
	pending map[string]*ApprovalRequest
	// resolved archives terminal requests by ID.
	resolved map[string]*ApprovalRequest
	// changed is closed and replaced whenever a request resolves.
	changed chan struct{}
	// now is the clock; injectable for tests.
	now func() time.Time
	// mu guards all fields; insert/resolve/expire race with the loop.
	mu sync.Mutex
}

// NewApprovalGate creates an ApprovalGate. A non-positive timeout falls
// back to the 1800s default.
func NewApprovalGate(cfg GateConfig) *ApprovalGate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1800 * time.Second
	}
	return &ApprovalGate{
		cfg:      cfg,
		pending:  make(map[string]*ApprovalRequest),
		resolved: make(map[string]*ApprovalRequest),
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

// RequiresApproval applies the ordered rule set. First match wins:
// explicit plan/step flags, complex plans, high-risk task types,
// high-risk capabilities, then the auto-approve shortcut for simple
// consultation-type plans. The default fails safe toward requiring
// approval.
func (g *ApprovalGate) RequiresApproval(plan *models.Plan, step *models.Step) bool {
	if plan.RequiresApproval {
		return true
	}
	if step != nil && step.RequiresHuman {
		return true
	}
	if plan.Complexity == models.ComplexityComplex {
		return true
	}
	for _, t := range g.cfg.HighRiskTaskTypes {
		if plan.TaskType == t {
			return true
		}
	}
	for _, c := range g.cfg.HighRiskCapabilities {
		if step != nil && step.Capability == c {
			return true
		}
		for i := range plan.Steps {
			if plan.Steps[i].Capability == c {
				return true
			}
		}
	}
	if g.cfg.AutoApproveSimple && plan.Complexity == models.ComplexitySimple && plan.TaskType == "consultation" {
		return false
	}
	return true
}

// RequestApproval opens a pending request with a deadline and returns
// immediately. If a pending request already exists for the same plan and
// step, it is returned instead of opening a duplicate.
func (g *ApprovalGate) RequestApproval(plan *models.Plan, step *models.Step, summary string) *ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	stepID := ""
	if step != nil {
		stepID = step.ID
	}
	for _, req := range g.pending {
		if req.PlanID == plan.ID && req.StepID == stepID {
			return req.clone()
		}
	}

	now := g.now()
	req := &ApprovalRequest{
		ID:               uuid.New().String()[:8],
		PlanID:           plan.ID,
		StepID:           stepID,
		Summary:          summary,
		DefaultAction:    plan.DefaultAction,
		ResourceEstimate: plan.EstimatedDuration.String(),
		CreatedAt:        now,
		Deadline:         now.Add(g.cfg.Timeout),
		Status:           ApprovalPending,
	}

	g.pending[req.ID] = req
	return req.clone()
}

// ApplyDecision resolves a pending request. It is idempotent per request
// ID: a second call after resolution returns ErrAlreadyResolved without
// changing state.
func (g *ApprovalGate) ApplyDecision(requestID string, status ApprovalStatus, approver, reason string) (*ApprovalRequest, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("decision %q is not a terminal approval status", status)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, done := g.resolved[requestID]; done {
		return nil, ErrAlreadyResolved
	}

	req, ok := g.pending[requestID]
	if !ok {
		return nil, fmt.Errorf("approval request %s not found", requestID)
	}

	now := g.now()
	req.Status = status
	req.Approver = approver
	req.Reason = reason
	req.ResolvedAt = &now

	delete(g.pending, requestID)
	g.resolved[requestID] = req
	g.signalLocked()

	return req.clone(), nil
}

// CleanupExpired sweeps pending requests whose deadline has passed.
// Expiry resolves to the request's declared default action when one is
// set; otherwise it rejects for safety. Returns the number reclaimed.
func (g *ApprovalGate) CleanupExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	reclaimed := 0
	for id, req := range g.pending {
		if now.Before(req.Deadline) {
			continue
		}

		status := ApprovalRejected
		if req.DefaultAction == "approve" {
			status = ApprovalApproved
		}
		req.Status = status
		req.Approver = "auto:expiry"
		req.Reason = "approval window expired"
		resolvedAt := now
		req.ResolvedAt = &resolvedAt

		delete(g.pending, id)
		g.resolved[id] = req
		reclaimed++
	}

	if reclaimed > 0 {
		g.signalLocked()
	}
	return reclaimed
}

// signalLocked wakes everyone waiting on Changed. Caller holds g.mu.
func (g *ApprovalGate) signalLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Changed returns a channel that closes the next time any request
// resolves. Callers re-arm by calling Changed again after a wakeup.
func (g *ApprovalGate) Changed() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

// Get returns a copy of the request with the given ID, pending or
// resolved. The copy is safe to read while the gate resolves requests.
func (g *ApprovalGate) Get(requestID string) *ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	if req, ok := g.pending[requestID]; ok {
		return req.clone()
	}
	return g.resolved[requestID].clone()
}

// PendingFor returns a copy of the open request for a plan, or nil.
func (g *ApprovalGate) PendingFor(planID string) *ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, req := range g.pending {
		if req.PlanID == planID {
			return req.clone()
		}
	}
	return nil
}

// PendingCount returns the number of open requests.
func (g *ApprovalGate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// RenderDecisionRequest formats the request for a human responder:
// what needs sign-off, the risk list, predicted outcomes, the resource
// estimate, and the deadline.
func RenderDecisionRequest(plan *models.Plan, req *ApprovalRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Approval required for plan %s (%s)\n", plan.ID, plan.TaskType)
	fmt.Fprintf(&b, "Request %s", req.ID)
	if req.StepID != "" {
		fmt.Fprintf(&b, ", step %s", req.StepID)
	}
	b.WriteString("\n\n")

	if req.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", req.Summary)
	}
	if len(req.Risks) > 0 {
		b.WriteString("Risks:\n")
		for _, r := range req.Risks {
			fmt.Fprintf(&b, "  - %s\n", r)
		}
	}
	if len(req.PredictedOutcomes) > 0 {
		b.WriteString("Predicted outcomes:\n")
		for _, o := range req.PredictedOutcomes {
			fmt.Fprintf(&b, "  - %s\n", o)
		}
	}
	if req.ResourceEstimate != "" {
		fmt.Fprintf(&b, "Estimated resources: %s\n", req.ResourceEstimate)
	}
	fmt.Fprintf(&b, "Respond by %s", req.Deadline.Format(time.RFC3339))
	if req.DefaultAction != "" {
		fmt.Fprintf(&b, " (default on expiry: %s)", req.DefaultAction)
	}
	b.WriteString("\n")

	return b.String()
}
