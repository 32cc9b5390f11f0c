package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

// SaveCheckpoint persists a checkpoint. Recent records and recovery
// instructions are stored as JSON blobs alongside the indexed columns.
func (db *DB) SaveCheckpoint(cp *models.Checkpoint) error {
	records, err := json.Marshal(cp.RecentRecords)
	if err != nil {
		return fmt.Errorf("marshal recent records: %w", err)
	}

	recovery, err := json.Marshal(cp.Recovery)
	if err != nil {
		return fmt.Errorf("marshal recovery instructions: %w", err)
	}

	ts := cp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = db.Exec(`
		INSERT OR REPLACE INTO checkpoints (id, plan_id, cursor, recent_records, recovery, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.PlanID, cp.Cursor, string(records), string(recovery), formatTime(ts))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}

	return nil
}

// GetCheckpoint loads a checkpoint by ID. Returns nil if not found.
func (db *DB) GetCheckpoint(id string) (*models.Checkpoint, error) {
	row := db.QueryRow(`
		SELECT id, plan_id, cursor, recent_records, recovery, created_at
		FROM checkpoints WHERE id = ?
	`, id)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// LatestCheckpoint loads the most recent checkpoint for a plan.
// Returns nil if the plan has no checkpoints.
func (db *DB) LatestCheckpoint(planID string) (*models.Checkpoint, error) {
	row := db.QueryRow(`
		SELECT id, plan_id, cursor, recent_records, recovery, created_at
		FROM checkpoints WHERE plan_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, planID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint for plan %s: %w", planID, err)
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints for a plan, newest first.
func (db *DB) ListCheckpoints(planID string) ([]models.Checkpoint, error) {
	rows, err := db.Query(`
		SELECT id, plan_id, cursor, recent_records, recovery, created_at
		FROM checkpoints WHERE plan_id = ?
		ORDER BY created_at DESC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoint removes a checkpoint once it is superseded.
func (db *DB) DeleteCheckpoint(id string) error {
	_, err := db.Exec("DELETE FROM checkpoints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

// scanCheckpoint reads one checkpoint row.
func scanCheckpoint(s scanner) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var records, recovery sql.NullString
	var createdAt string

	if err := s.Scan(&cp.ID, &cp.PlanID, &cp.Cursor, &records, &recovery, &createdAt); err != nil {
		return nil, err
	}

	if records.Valid && records.String != "" {
		if err := json.Unmarshal([]byte(records.String), &cp.RecentRecords); err != nil {
			return nil, fmt.Errorf("unmarshal recent records: %w", err)
		}
	}
	if recovery.Valid && recovery.String != "" {
		if err := json.Unmarshal([]byte(recovery.String), &cp.Recovery); err != nil {
			return nil, fmt.Errorf("unmarshal recovery instructions: %w", err)
		}
	}

	ts, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint timestamp: %w", err)
	}
	cp.Timestamp = ts

	return &cp, nil
}
