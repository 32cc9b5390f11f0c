// Package orchestrator coordinates plan execution: scheduling, bounded
// parallel dispatch, monitoring, approvals, interrupts, and recovery.
package orchestrator

import (
	"time"

	"github.com/calder-ai/relay/internal/executor"
	"github.com/calder-ai/relay/internal/state"
)

// RequiredConfig contains the minimal required configuration for an
// Orchestrator. All fields are required and have no defaults.
type RequiredConfig struct {
	// Registry resolves step capabilities to executors.
	Registry *executor.Registry
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	maxParallel        int
	stepTimeout        time.Duration
	pollInterval       time.Duration
	checkpointInterval time.Duration
	eventBuffer        int
	gateConfig         GateConfig
	store              state.Store
	logger             *DebugLogger

	monitorThresholds *MonitorThresholds

	// Injectable dependencies for testing
	gate       *ApprovalGate
	interrupts *InterruptController
	monitor    *Monitor
}

// WithMaxParallel caps the number of steps dispatched concurrently in
// one round.
func WithMaxParallel(n int) Option {
	return func(o *orchestratorOptions) { o.maxParallel = n }
}

// WithStepTimeout sets the per-step execution timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.stepTimeout = d }
}

// WithPollInterval sets how often the run loop re-evaluates while
// waiting on approvals, interrupts, or blocked dependencies.
func WithPollInterval(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.pollInterval = d }
}

// WithCheckpointInterval sets the minimum spacing between automatic
// checkpoints.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.checkpointInterval = d }
}

// WithEventBuffer sets the event channel buffer size.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) { o.eventBuffer = n }
}

// WithGateConfig sets the approval gate configuration.
func WithGateConfig(cfg GateConfig) Option {
	return func(o *orchestratorOptions) { o.gateConfig = cfg }
}

// WithStore sets the persistence backend for checkpoints, plan rows,
// and the execution record archive. Without a store the orchestrator
// runs in memory only.
func WithStore(s state.Store) Option {
	return func(o *orchestratorOptions) { o.store = s }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithMonitorThresholds overrides the monitor's error-rate and
// resource heuristics, typically from the config file's monitor
// section.
func WithMonitorThresholds(th MonitorThresholds) Option {
	return func(o *orchestratorOptions) { o.monitorThresholds = &th }
}

// WithApprovalGate sets a custom approval gate (mainly for testing).
func WithApprovalGate(g *ApprovalGate) Option {
	return func(o *orchestratorOptions) { o.gate = g }
}

// WithInterruptController sets a custom interrupt controller (mainly
// for testing).
func WithInterruptController(c *InterruptController) Option {
	return func(o *orchestratorOptions) { o.interrupts = c }
}

// WithMonitor sets a custom monitor (mainly for testing).
func WithMonitor(m *Monitor) Option {
	return func(o *orchestratorOptions) { o.monitor = m }
}
