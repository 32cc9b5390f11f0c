// Package state provides SQLite-based persistence for relay.
package state

import (
	"io"

	"github.com/calder-ai/relay/pkg/models"
)

// CheckpointStore handles checkpoint persistence. The durability
// contract: once SaveCheckpoint returns, the checkpoint must survive
// process restart.
type CheckpointStore interface {
	SaveCheckpoint(cp *models.Checkpoint) error
	GetCheckpoint(id string) (*models.Checkpoint, error)
	LatestCheckpoint(planID string) (*models.Checkpoint, error)
	ListCheckpoints(planID string) ([]models.Checkpoint, error)
	DeleteCheckpoint(id string) error
}

// RecordStore archives execution records for post-mortem inspection.
type RecordStore interface {
	AppendRecord(planID string, rec models.ExecutionRecord) error
	ListRecords(planID string) ([]models.ExecutionRecord, error)
}

// PlanStore handles plan-row persistence.
type PlanStore interface {
	SavePlan(p *models.Plan) error
	GetPlan(id string) (*models.Plan, error)
	UpdatePlanProgress(id string, status models.PlanStatus, cursor int) error
	ListPlans(status *models.PlanStatus) ([]PlanRow, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for state persistence. It lets the
// orchestrator work with any backend without depending on the concrete
// SQLite implementation.
type Store interface {
	io.Closer
	Migrator
	CheckpointStore
	RecordStore
	PlanStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store           = (*DB)(nil)
	_ Migrator        = (*DB)(nil)
	_ CheckpointStore = (*DB)(nil)
	_ RecordStore     = (*DB)(nil)
	_ PlanStore       = (*DB)(nil)
)
