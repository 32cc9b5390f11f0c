package state

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/calder-ai/relay/pkg/models"
)

// AppendRecord archives one execution record. The unique index on
// (plan_id, step_id, attempt) makes the archive write-once per attempt:
// a duplicate append is silently ignored rather than duplicated.
func (db *DB) AppendRecord(planID string, rec models.ExecutionRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := db.Exec(`
		INSERT INTO execution_records (plan_id, step_id, capability, action, status, attempt, error, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, planID, rec.StepID, rec.Capability, rec.Action, string(rec.Status), rec.Attempt,
		rec.Error, rec.Duration.Milliseconds(), formatTime(ts))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil
		}
		return fmt.Errorf("append record for step %s: %w", rec.StepID, err)
	}

	return nil
}

// ListRecords returns a plan's execution records in append order.
func (db *DB) ListRecords(planID string) ([]models.ExecutionRecord, error) {
	rows, err := db.Query(`
		SELECT step_id, capability, action, status, attempt, error, duration_ms, recorded_at
		FROM execution_records WHERE plan_id = ?
		ORDER BY seq ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list records for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var out []models.ExecutionRecord
	for rows.Next() {
		var rec models.ExecutionRecord
		var status, recordedAt string
		var errMsg, action sql.NullString
		var durationMS int64

		if err := rows.Scan(&rec.StepID, &rec.Capability, &action, &status, &rec.Attempt, &errMsg, &durationMS, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		rec.Action = action.String
		rec.Status = models.StepStatus(status)
		rec.Error = errMsg.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if rec.Timestamp, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parse record timestamp: %w", err)
		}

		out = append(out, rec)
	}
	return out, rows.Err()
}
