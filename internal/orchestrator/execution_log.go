package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

// ExecutionLog is the append-only audit trail for one plan run. The
// orchestration core owns it exclusively; executors never touch it. It is
// safe for concurrent use by the dispatcher's workers and external readers.
type ExecutionLog struct {
	// records is the ordered trail, appended in completion order.
	records []models.ExecutionRecord
	// results holds every step result, one per (step, attempt).
	results []models.StepResult
	// attempts tracks how many attempts each step has consumed.
	attempts map[string]int
	// recorded guards against duplicate appends for the same attempt.
	// Keys are "stepID#attempt".
	recorded map[string]bool
	// mu protects all fields.
	mu sync.RWMutex
}

// NewExecutionLog creates an empty ExecutionLog.
func NewExecutionLog() *ExecutionLog {
	return &ExecutionLog{
		attempts: make(map[string]int),
		recorded: make(map[string]bool),
	}
}

// BeginAttempt reserves and returns the next attempt number for a step.
func (l *ExecutionLog) BeginAttempt(stepID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[stepID]++
	return l.attempts[stepID]
}

// Attempts returns the number of attempts consumed by a step.
func (l *ExecutionLog) Attempts(stepID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.attempts[stepID]
}

// Append records a step result and its audit record. It returns false
// without writing anything if this (step, attempt) pair was already
// recorded, which shields the trail from late results of abandoned
// (timed-out) executions.
func (l *ExecutionLog) Append(step models.Step, result models.StepResult) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := fmt.Sprintf("%s#%d", result.StepID, result.Attempt)
	if l.recorded[key] {
		return false
	}
	l.recorded[key] = true

	l.results = append(l.results, result)
	l.records = append(l.records, models.ExecutionRecord{
		StepID:     result.StepID,
		Capability: step.Capability,
		Action:     step.Action,
		Status:     result.Status,
		Attempt:    result.Attempt,
		Timestamp:  time.Now(),
		Duration:   result.Duration(),
		Error:      result.Error,
	})

	return true
}

// Records returns a copy of the audit trail.
func (l *ExecutionLog) Records() []models.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.ExecutionRecord, len(l.records))
	copy(out, l.records)
	return out
}

// RecentRecords returns a copy of the last n records.
func (l *ExecutionLog) RecentRecords(n int) []models.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := len(l.records) - n
	if start < 0 {
		start = 0
	}
	out := make([]models.ExecutionRecord, len(l.records)-start)
	copy(out, l.records[start:])
	return out
}

// Results returns a copy of all step results.
func (l *ExecutionLog) Results() []models.StepResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.StepResult, len(l.results))
	copy(out, l.results)
	return out
}

// FailuresSince counts failed records with timestamps after the cutoff.
func (l *ExecutionLog) FailuresSince(cutoff time.Time) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, r := range l.records {
		if r.Status == models.StepStatusFailed && r.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// Len returns the number of records in the trail.
func (l *ExecutionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
