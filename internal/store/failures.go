package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/event"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/metrics"
)

// EnteredUnrecorded prefixes the failure message of a delivery whose
// results were entered on screen but could not be marked done.
const EnteredUnrecorded = "entered on screen; completion not recorded"

// RecordFailure appends an error record and increments the event's error
// count. Once the count reaches the cap the event is marked failed at its
// current stage. escalated reports that the event is now permanently failed
// and must not be retried. A missing id is a no-op.
func (s *Store) RecordFailure(ctx context.Context, id int64, message string) (escalated bool, err error) {
	var (
		found bool
		cur   stageRow
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			count int
			err   error
		)
		cur, count, found, err = s.appendError(ctx, tx, id, message)
		if err != nil || !found {
			return err
		}
		if cur.failed {
			escalated = true
			return nil
		}
		if count < s.maxErrors {
			return nil
		}
		if err := markFailed(ctx, tx, id, cur.stage, s.stamp()); err != nil {
			return err
		}
		escalated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		s.log.Warn("failure for unknown event ignored", "event_id", id, "error", message)
		return false, nil
	}
	metrics.FailuresRecorded.WithLabelValues(cur.direction.String(), string(cur.stage)).Inc()
	if escalated && !cur.failed {
		metrics.Escalations.WithLabelValues(cur.direction.String(), string(cur.stage)).Inc()
		s.log.Warn("event escalated to failed", "event_id", id, "stage", cur.stage, "max_errors", s.maxErrors)
	}
	return escalated, nil
}

// Fail marks the event failed at its current stage immediately, without
// consulting the cap, and records message. A missing id returns false.
func (s *Store) Fail(ctx context.Context, id int64, message string) (bool, error) {
	var (
		found bool
		cur   stageRow
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		cur, _, found, err = s.appendError(ctx, tx, id, message)
		if err != nil || !found || cur.failed {
			return err
		}
		return markFailed(ctx, tx, id, cur.stage, s.stamp())
	})
	if err != nil {
		return false, err
	}
	if !found {
		s.log.Warn("failure for unknown event ignored", "event_id", id, "error", message)
		return false, nil
	}
	metrics.FailuresRecorded.WithLabelValues(cur.direction.String(), string(cur.stage)).Inc()
	return true, nil
}

// Errors returns the error records of an event, oldest first.
func (s *Store) Errors(ctx context.Context, eventID int64) ([]event.ErrorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, event_id, error_message, created_at
FROM common_eventerror
WHERE event_id = ?
ORDER BY id ASC
`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list errors of event %d: %w", eventID, err)
	}
	defer rows.Close()

	var out []event.ErrorRecord
	for rows.Next() {
		var (
			rec     event.ErrorRecord
			created sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Message, &created); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}
	return out, nil
}

type stageRow struct {
	direction event.Direction
	stage     event.Stage
	failed    bool
}

// appendError bumps error_count and inserts the matching error record.
func (s *Store) appendError(ctx context.Context, tx *sql.Tx, id int64, message string) (stageRow, int, bool, error) {
	now := s.stamp()
	res, err := tx.ExecContext(ctx,
		`UPDATE common_event SET error_count = error_count + 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return stageRow{}, 0, false, fmt.Errorf("increment error count of event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return stageRow{}, 0, false, fmt.Errorf("increment error count of event %d: %w", id, err)
	}
	if n == 0 {
		return stageRow{}, 0, false, nil
	}

	var (
		row        stageRow
		dir, stage string
		count      int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT direction, stage, failed, error_count FROM common_event WHERE id = ?`, id,
	).Scan(&dir, &stage, &row.failed, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return stageRow{}, 0, false, nil
	}
	if err != nil {
		return stageRow{}, 0, false, fmt.Errorf("load event %d: %w", id, err)
	}
	row.direction = event.Direction(dir)
	row.stage = event.Stage(stage)

	message = strings.TrimSpace(message)
	if message == "" {
		message = "unknown error"
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO common_eventerror (created_at, error_message, event_id) VALUES (?, ?, ?)`,
		now, message, id,
	); err != nil {
		return stageRow{}, 0, false, fmt.Errorf("insert error record for event %d: %w", id, err)
	}
	return row, count, true, nil
}

func markFailed(ctx context.Context, tx *sql.Tx, id int64, stage event.Stage, now int64) error {
	if _, err := tx.ExecContext(ctx, `
UPDATE common_event SET failed = 1, failed_stage = ?, status = ?, updated_at = ?
WHERE id = ?
`, string(stage), -stage.Code(), now, id); err != nil {
		return fmt.Errorf("mark event %d failed: %w", id, err)
	}
	return nil
}
