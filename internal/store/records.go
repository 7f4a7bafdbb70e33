package store

import (
	"context"
	"time"

	"github.com/markus-barta/fleetlink/internal/fleet"
)

// ListRecords returns the execution records of a command, oldest first.
// The last record is the current outcome.
func (s *Store) ListRecords(ctx context.Context, commandID string) ([]*fleet.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command_id, device_id, command, status, output, error, attempt, started_at, completed_at
		FROM execution_records WHERE command_id = ? ORDER BY id
	`, commandID)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var records []*fleet.ExecutionRecord
	for rows.Next() {
		var r fleet.ExecutionRecord
		var status string
		var startedAt, completedAt int64
		if err := rows.Scan(&r.ID, &r.CommandID, &r.DeviceID, &r.Command, &status, &r.Output,
			&r.Error, &r.Attempt, &startedAt, &completedAt); err != nil {
			return nil, storageErr("scan record", err)
		}
		r.Status = fleet.CommandStatus(status)
		r.StartedAt = fromNanos(startedAt)
		r.CompletedAt = fromNanos(completedAt)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list records", err)
	}
	return records, nil
}

// CountRecords returns the number of execution records.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_records`).Scan(&n); err != nil {
		return 0, storageErr("count records", err)
	}
	return n, nil
}

// PurgeRecords deletes execution records completed before the cutoff.
func (s *Store) PurgeRecords(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_records WHERE completed_at < ?`, toNanos(before))
	if err != nil {
		return 0, storageErr("purge records", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("purged execution records")
	}
	return n, nil
}
