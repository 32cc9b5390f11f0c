package orchestrator

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/calder-ai/relay/internal/executor"
	"github.com/calder-ai/relay/pkg/models"
)

// Action is a high-level next action chosen by the monitor.
type Action string

const (
	// ActionContinue proceeds with normal execution.
	ActionContinue Action = "continue"
	// ActionCreateCheckpoint saves a durable checkpoint before continuing.
	ActionCreateCheckpoint Action = "create_checkpoint"
	// ActionRequestIntervention suspends for human intervention.
	ActionRequestIntervention Action = "request_human_intervention"
	// ActionErrorRecovery routes through failure recovery.
	ActionErrorRecovery Action = "error_recovery"
	// ActionWaitApproval waits for a pending human approval.
	ActionWaitApproval Action = "wait_for_human_approval"
	// ActionPause suspends execution.
	ActionPause Action = "pause_execution"
	// ActionComplete marks the plan as finished.
	ActionComplete Action = "task_complete"
	// ActionWaitDependencies waits for blocked dependencies to clear.
	ActionWaitDependencies Action = "wait_for_dependencies"
	// ActionDispatchParallel dispatches a multi-step parallel batch.
	ActionDispatchParallel Action = "dispatch_parallel_tasks"
)

// ExecuteAction returns the action for running a single step with the
// given capability, e.g. "execute_seismic_analyzer".
func ExecuteAction(capability string) Action {
	return Action("execute_" + capability)
}

// Severity ranks how serious a detected issue is.
type Severity int

const (
	// SeverityLow is informational.
	SeverityLow Severity = iota
	// SeverityMedium warrants a checkpoint or closer watching.
	SeverityMedium
	// SeverityHigh requires recovery or intervention.
	SeverityHigh
)

// String returns a human-readable severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Health classifies overall system health.
type Health string

const (
	// HealthHealthy means no issues were detected.
	HealthHealthy Health = "healthy"
	// HealthWarning means low or medium severity issues exist.
	HealthWarning Health = "warning"
	// HealthCritical means at least one high severity issue exists.
	HealthCritical Health = "critical"
)

// Issue describes one detected problem.
type Issue struct {
	// Type identifies the issue class (error_rate, execution_timeout,
	// high_memory_usage, capability_unavailable).
	Type string
	// Severity ranks the issue.
	Severity Severity
	// Description explains the issue for humans.
	Description string
}

// MonitoringResult is the outcome of one observation pass.
type MonitoringResult struct {
	// Health is the max-severity classification of all issues.
	Health Health
	// Issues lists everything detected this pass.
	Issues []Issue
	// CheckpointRecommended suggests saving a checkpoint soon.
	CheckpointRecommended bool
	// NeedsIntervention indicates a human must get involved.
	NeedsIntervention bool
	// Elapsed is time since plan execution started.
	Elapsed time.Duration
	// RecentFailures is the failure count inside the error window.
	RecentFailures int
	// MemoryUsage is the observed memory utilization in [0, 1].
	MemoryUsage float64
}

// LoopState is the slice of scheduler state the decision function needs.
// The run loop assembles it each round; the monitor never mutates plan
// state itself.
type LoopState struct {
	// ApprovalPending is true while a human approval request is open.
	ApprovalPending bool
	// ShouldContinue is false once a rejection or stop request landed.
	ShouldContinue bool
	// Blocked is true when unfinished steps remain but none is eligible.
	Blocked bool
	// Batch is the next eligible batch from the resolver.
	Batch Batch
}

// Monitor inspects elapsed time, error rate, resource usage, and
// capability availability, then classifies health and picks the next
// action. Observe and DecideNextAction are pure with respect to the plan,
// so they can be unit tested against synthetic histories.
type Monitor struct {
	// probe reports capability availability; may be nil.
	probe executor.Probe
	// errorWindow is the sliding window for the error-rate heuristic.
	errorWindow time.Duration
	// errorThreshold is the failure count that makes the window critical.
	errorThreshold int
	// timeoutFactor flags plans running past factor x estimated duration.
	timeoutFactor float64
	// memoryThreshold recommends a checkpoint above this utilization.
	memoryThreshold float64
	// memoryUsage samples current memory utilization; injectable for tests.
	memoryUsage func() float64
	// now is the clock; injectable for tests.
	now func() time.Time
	// mu guards the tunable thresholds; SetThresholds may be called
	// from a config-reload goroutine while the loop observes.
	mu sync.RWMutex
}

// MonitorThresholds are the operator-tunable heuristic settings,
// usually sourced from the monitor section of the config file.
type MonitorThresholds struct {
	// ErrorWindow is the sliding window for the error-rate heuristic.
	ErrorWindow time.Duration
	// ErrorThreshold is the failure count that makes the window critical.
	ErrorThreshold int
	// MemoryThreshold recommends a checkpoint above this utilization.
	MemoryThreshold float64
}

// SetThresholds replaces the tunable heuristics. Zero or negative
// values keep the current setting, so a partial config only overrides
// what it names. Safe to call while the monitor is observing.
func (m *Monitor) SetThresholds(th MonitorThresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if th.ErrorWindow > 0 {
		m.errorWindow = th.ErrorWindow
	}
	if th.ErrorThreshold > 0 {
		m.errorThreshold = th.ErrorThreshold
	}
	if th.MemoryThreshold > 0 {
		m.memoryThreshold = th.MemoryThreshold
	}
}

// thresholds snapshots the tunables for one observation pass.
func (m *Monitor) thresholds() (time.Duration, int, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorWindow, m.errorThreshold, m.memoryThreshold
}

// NewMonitor creates a Monitor with the standard heuristics: three
// failures inside five minutes is critical, 1.5x the estimated duration
// flags a timeout, and 80% memory utilization recommends a checkpoint.
func NewMonitor(probe executor.Probe) *Monitor {
	return &Monitor{
		probe:           probe,
		errorWindow:     5 * time.Minute,
		errorThreshold:  3,
		timeoutFactor:   1.5,
		memoryThreshold: 0.8,
		memoryUsage:     processMemoryUsage,
		now:             time.Now,
	}
}

// processMemoryUsage reports heap-in-use as a fraction of the heap the
// runtime has reserved from the OS.
func processMemoryUsage() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}
	return float64(ms.HeapInuse) / float64(ms.HeapSys)
}

// Observe inspects the plan's history and produces a MonitoringResult.
// It does not mutate the plan.
func (m *Monitor) Observe(plan *models.Plan, log *ExecutionLog, startedAt time.Time) MonitoringResult {
	now := m.now()
	errorWindow, errorThreshold, memoryThreshold := m.thresholds()
	res := MonitoringResult{
		Health:  HealthHealthy,
		Elapsed: now.Sub(startedAt),
	}

	// Error-rate heuristic.
	res.RecentFailures = log.FailuresSince(now.Add(-errorWindow))
	if res.RecentFailures >= errorThreshold {
		res.Issues = append(res.Issues, Issue{
			Type:     "error_rate",
			Severity: SeverityHigh,
			Description: fmt.Sprintf("%d failures in the last %v",
				res.RecentFailures, errorWindow),
		})
	}

	// Required capability availability.
	if m.probe != nil {
		for _, cap := range plan.RequiredCapabilities() {
			if !m.probe.IsAvailable(cap) {
				res.Issues = append(res.Issues, Issue{
					Type:        "capability_unavailable",
					Severity:    SeverityHigh,
					Description: fmt.Sprintf("required capability %s is unavailable", cap),
				})
				res.NeedsIntervention = true
			}
		}
	}

	// Timeout heuristic.
	if plan.EstimatedDuration > 0 {
		limit := time.Duration(float64(plan.EstimatedDuration) * m.timeoutFactor)
		if res.Elapsed > limit {
			res.Issues = append(res.Issues, Issue{
				Type:     "execution_timeout",
				Severity: SeverityMedium,
				Description: fmt.Sprintf("elapsed %v exceeds %.1fx estimated duration %v",
					res.Elapsed.Round(time.Second), m.timeoutFactor, plan.EstimatedDuration),
			})
			res.CheckpointRecommended = true
		}
	}

	// Resource heuristic.
	res.MemoryUsage = m.memoryUsage()
	if res.MemoryUsage > memoryThreshold {
		res.Issues = append(res.Issues, Issue{
			Type:        "high_memory_usage",
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("memory utilization %.0f%%", res.MemoryUsage*100),
		})
		res.CheckpointRecommended = true
	}

	// Health is the max severity across issues.
	for _, issue := range res.Issues {
		if issue.Severity == SeverityHigh {
			res.Health = HealthCritical
			break
		}
		res.Health = HealthWarning
	}

	return res
}

// DecideNextAction picks the next high-level action. First match wins:
//
//	critical + needs intervention  -> request_human_intervention
//	critical                       -> error_recovery
//	approval pending               -> wait_for_human_approval
//	should_continue == false       -> pause_execution
//	checkpoint recommended         -> create_checkpoint
//	cursor past every step         -> task_complete
//	no eligible steps              -> wait_for_dependencies
//	one eligible step              -> execute_<capability>
//	several (same parallel group)  -> dispatch_parallel_tasks
func (m *Monitor) DecideNextAction(plan *models.Plan, res MonitoringResult, state LoopState) Action {
	switch {
	case res.Health == HealthCritical && res.NeedsIntervention:
		return ActionRequestIntervention
	case res.Health == HealthCritical:
		return ActionErrorRecovery
	case state.ApprovalPending:
		return ActionWaitApproval
	case !state.ShouldContinue:
		return ActionPause
	case res.CheckpointRecommended:
		return ActionCreateCheckpoint
	case plan.Complete():
		return ActionComplete
	case state.Blocked || state.Batch.Empty():
		return ActionWaitDependencies
	case len(state.Batch.Steps) == 1:
		return ExecuteAction(state.Batch.Steps[0].Capability)
	default:
		return ActionDispatchParallel
	}
}
