package models

import "time"

// RecoveryInstructions tells a resume operation how to reconstruct a
// plan's cursor and pending-step set from a checkpoint.
type RecoveryInstructions struct {
	// ResumeFrom is the cursor value held when the checkpoint was saved.
	ResumeFrom int `json:"resume_from" yaml:"resume_from"`
	// RequiredCapabilities lists capabilities the remaining steps need.
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	// Dependencies is the dependency map restricted to pending steps.
	Dependencies map[string][]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Checkpoint is a durable snapshot enabling plan resume after
// interruption or crash. Once Save returns, a checkpoint must survive
// process restart.
type Checkpoint struct {
	// ID is the unique identifier for this checkpoint.
	ID string `json:"checkpoint_id"`
	// PlanID is the plan this checkpoint belongs to.
	PlanID string `json:"plan_id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"timestamp"`
	// Cursor is the plan cursor at checkpoint time.
	Cursor int `json:"cursor"`
	// RecentRecords holds the last N execution records at checkpoint time.
	RecentRecords []ExecutionRecord `json:"recent_records,omitempty"`
	// Recovery contains the instructions for resuming the plan.
	Recovery RecoveryInstructions `json:"recovery_instructions"`
}

// InterruptType classifies why execution was suspended.
type InterruptType string

const (
	// InterruptUserInput waits for free-form user input.
	InterruptUserInput InterruptType = "user_input"
	// InterruptApproval waits for an approve/reject decision.
	InterruptApproval InterruptType = "approval"
	// InterruptClarification waits for the user to clarify intent.
	InterruptClarification InterruptType = "clarification"
	// InterruptErrorHandling waits for guidance after repeated errors.
	InterruptErrorHandling InterruptType = "error_handling"
	// InterruptQualityCheck waits for a quality verdict on produced output.
	InterruptQualityCheck InterruptType = "quality_check"
	// InterruptCapabilityCheck waits for a missing capability to be restored.
	InterruptCapabilityCheck InterruptType = "capability_check"
)

// Valid returns true if the interrupt type is a known value.
func (t InterruptType) Valid() bool {
	switch t {
	case InterruptUserInput, InterruptApproval, InterruptClarification,
		InterruptErrorHandling, InterruptQualityCheck, InterruptCapabilityCheck:
		return true
	default:
		return false
	}
}

// InterruptReason describes one suspension event. It is created when a
// registered interrupt point fires and is resolved exactly once by a
// human or automated response, after which it is archived.
type InterruptReason struct {
	// ID is the unique identifier for this interrupt.
	ID string `json:"id"`
	// Type classifies the suspension.
	Type InterruptType `json:"type"`
	// Stage is the named stage whose interrupt point fired.
	Stage string `json:"stage"`
	// Reason is the human-readable explanation for the suspension.
	Reason string `json:"reason"`
	// Context carries state relevant to resolving the interrupt.
	Context map[string]any `json:"context,omitempty"`
	// Options lists the choices offered to the responder, if any.
	Options []string `json:"options,omitempty"`
	// DefaultAction is applied when the interrupt times out.
	DefaultAction string `json:"default_action,omitempty"`
	// Timeout is how long to wait for a response.
	Timeout time.Duration `json:"timeout"`
	// CreatedAt is when the interrupt fired.
	CreatedAt time.Time `json:"created_at"`
}

// Expired returns true once the interrupt's response window has passed.
func (r InterruptReason) Expired(now time.Time) bool {
	if r.Timeout <= 0 {
		return false
	}
	return now.After(r.CreatedAt.Add(r.Timeout))
}
