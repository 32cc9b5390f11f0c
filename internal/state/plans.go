package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

// PlanRow is the summary row returned by ListPlans.
type PlanRow struct {
	// ID is the plan identifier.
	ID string
	// TaskType is the plan's classified task type.
	TaskType string
	// Description is the plan's summary.
	Description string
	// Status is the persisted plan status.
	Status models.PlanStatus
	// Cursor is the persisted cursor value.
	Cursor int
	// CreatedAt is when the plan row was first saved.
	CreatedAt time.Time
	// UpdatedAt is when the plan row last changed.
	UpdatedAt time.Time
}

// SavePlan upserts a plan row. The full plan is stored as a JSON
// definition blob so resume can reconstruct it exactly.
func (db *DB) SavePlan(p *models.Plan) error {
	definition, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan definition: %w", err)
	}

	now := time.Now()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = db.Exec(`
		INSERT INTO plans (id, task_type, description, status, cursor, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cursor = excluded.cursor,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`, p.ID, p.TaskType, p.Description, string(p.Status), p.Cursor, string(definition),
		formatTime(createdAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}

	return nil
}

// GetPlan loads a plan from its definition blob. Returns nil if not found.
// The persisted status and cursor override the blob's values, since the
// blob may predate the latest progress update.
func (db *DB) GetPlan(id string) (*models.Plan, error) {
	var definition, status string
	var cursor int

	row := db.QueryRow("SELECT definition, status, cursor FROM plans WHERE id = ?", id)
	if err := row.Scan(&definition, &status, &cursor); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}

	var p models.Plan
	if err := json.Unmarshal([]byte(definition), &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", id, err)
	}

	p.Status = models.PlanStatus(status)
	if cursor > p.Cursor {
		p.Cursor = cursor
	}

	return &p, nil
}

// UpdatePlanProgress persists the loop-owned fields of a plan row.
func (db *DB) UpdatePlanProgress(id string, status models.PlanStatus, cursor int) error {
	res, err := db.Exec(`
		UPDATE plans SET status = ?, cursor = ?, updated_at = ? WHERE id = ?
	`, string(status), cursor, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update plan %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update plan %s: rows affected: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("update plan %s: not found", id)
	}

	return nil
}

// ListPlans returns plan summary rows, optionally filtered by status,
// newest first.
func (db *DB) ListPlans(status *models.PlanStatus) ([]PlanRow, error) {
	query := `
		SELECT id, task_type, description, status, cursor, created_at, updated_at
		FROM plans
	`
	var args []any
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []PlanRow
	for rows.Next() {
		var r PlanRow
		var statusStr, createdAt, updatedAt string
		var desc sql.NullString

		if err := rows.Scan(&r.ID, &r.TaskType, &desc, &statusStr, &r.Cursor, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}

		r.Description = desc.String
		r.Status = models.PlanStatus(statusStr)
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse plan created_at: %w", err)
		}
		if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse plan updated_at: %w", err)
		}

		out = append(out, r)
	}
	return out, rows.Err()
}
