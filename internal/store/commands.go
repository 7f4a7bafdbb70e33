package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/markus-barta/fleetlink/internal/fleet"
)

const commandColumns = `seq, id, device_id, command, args, priority, submitted_at, submitted_by,
	not_before, status, attempts, dispatched_at, dispatched_conn, completed_at, retry_of`

// Cursor is a position in a device's drain order. The zero Cursor is the start.
type Cursor struct {
	Priority    int
	NotBefore   int64
	SubmittedAt int64
	Seq         int64
}

// After returns the cursor positioned after c.
func After(c *fleet.QueuedCommand) *Cursor {
	return &Cursor{
		Priority:    c.Priority,
		NotBefore:   toNanos(c.NotBefore),
		SubmittedAt: toNanos(c.SubmittedAt),
		Seq:         c.Seq,
	}
}

// InsertCommand stores a new command and assigns its row sequence.
func (s *Store) InsertCommand(ctx context.Context, c *fleet.QueuedCommand) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("insert command", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE id = ?`, c.DeviceID).Scan(&one)
	if isNoRows(err) {
		return fmt.Errorf("device %s: %w", c.DeviceID, fleet.ErrNotFound)
	}
	if err != nil {
		return storageErr("insert command", err)
	}

	if c.RetryOf != "" {
		var existing string
		err = tx.QueryRowContext(ctx, `SELECT id FROM queued_commands WHERE retry_of = ?`, c.RetryOf).Scan(&existing)
		if err == nil {
			return fmt.Errorf("command %s already retried as %s: %w", c.RetryOf, existing, fleet.ErrConflict)
		}
		if !isNoRows(err) {
			return storageErr("insert command", err)
		}
	}

	var args any
	if len(c.Args) > 0 {
		args = string(c.Args)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO queued_commands (id, device_id, command, args, priority, submitted_at,
			submitted_by, not_before, status, retry_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.DeviceID, c.Command, args, c.Priority, toNanos(c.SubmittedAt),
		c.SubmittedBy, toNanos(c.NotBefore), string(fleet.StatusPending), c.RetryOf)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert command %s: %w: %w", c.ID, fleet.ErrConflict, err)
	}
	if err != nil {
		return storageErr("insert command", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return storageErr("insert command", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("insert command", err)
	}

	c.Seq = seq
	c.Status = fleet.StatusPending
	return nil
}

// GetCommand retrieves a command by ID.
func (s *Store) GetCommand(ctx context.Context, id string) (*fleet.QueuedCommand, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM queued_commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("command %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get command", err)
	}
	return c, nil
}

// ListPending returns up to limit PENDING commands of a device that are due at
// now, in drain order: priority descending, not_before ascending, submission
// ascending. A non-nil after resumes strictly past that position.
func (s *Store) ListPending(ctx context.Context, deviceID string, now time.Time, after *Cursor, limit int) ([]*fleet.QueuedCommand, error) {
	query := `SELECT ` + commandColumns + ` FROM queued_commands
		WHERE device_id = ? AND status = ? AND not_before <= ?`
	args := []any{deviceID, string(fleet.StatusPending), now.UnixNano()}

	if after != nil {
		query += ` AND (priority < ?
			OR (priority = ? AND not_before > ?)
			OR (priority = ? AND not_before = ? AND submitted_at > ?)
			OR (priority = ? AND not_before = ? AND submitted_at = ? AND seq > ?))`
		args = append(args,
			after.Priority,
			after.Priority, after.NotBefore,
			after.Priority, after.NotBefore, after.SubmittedAt,
			after.Priority, after.NotBefore, after.SubmittedAt, after.Seq)
	}
	query += ` ORDER BY priority DESC, not_before ASC, submitted_at ASC, seq ASC LIMIT ?`
	args = append(args, limit)

	return s.queryCommands(ctx, "list pending", query, args...)
}

// ListCommands returns all commands of a device in submission order.
func (s *Store) ListCommands(ctx context.Context, deviceID string) ([]*fleet.QueuedCommand, error) {
	return s.queryCommands(ctx, "list commands",
		`SELECT `+commandColumns+` FROM queued_commands WHERE device_id = ? ORDER BY seq`, deviceID)
}

// MarkDispatched moves a PENDING command to DISPATCHED on the given
// connection. It returns fleet.ErrConflict if the command is no longer PENDING.
func (s *Store) MarkDispatched(ctx context.Context, id, connID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_commands
		SET status = ?, dispatched_at = ?, dispatched_conn = ?, attempts = attempts + 1
		WHERE id = ? AND status = ?
	`, string(fleet.StatusDispatched), toNanos(at), connID, id, string(fleet.StatusPending))
	if err != nil {
		return storageErr("mark dispatched", err)
	}
	return s.guarded(ctx, res, id, fleet.StatusPending)
}

// Requeue returns a DISPATCHED command to PENDING.
func (s *Store) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_commands SET status = ?, dispatched_conn = ''
		WHERE id = ? AND status = ?
	`, string(fleet.StatusPending), id, string(fleet.StatusDispatched))
	if err != nil {
		return storageErr("requeue", err)
	}
	return s.guarded(ctx, res, id, fleet.StatusDispatched)
}

// RequeueConn returns every command dispatched on a connection to PENDING.
func (s *Store) RequeueConn(ctx context.Context, connID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_commands SET status = ?, dispatched_conn = ''
		WHERE status = ? AND dispatched_conn = ?
	`, string(fleet.StatusPending), string(fleet.StatusDispatched), connID)
	if err != nil {
		return 0, storageErr("requeue connection", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RequeueDispatched returns DISPATCHED commands to PENDING. An empty deviceID
// matches all devices; a zero before matches any dispatch time.
func (s *Store) RequeueDispatched(ctx context.Context, deviceID string, before time.Time) (int64, error) {
	query := `UPDATE queued_commands SET status = ?, dispatched_conn = '' WHERE status = ?`
	args := []any{string(fleet.StatusPending), string(fleet.StatusDispatched)}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	if !before.IsZero() {
		query += ` AND dispatched_at < ?`
		args = append(args, toNanos(before))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageErr("requeue dispatched", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DevicesWithDispatched lists devices that have DISPATCHED commands.
func (s *Store) DevicesWithDispatched(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT device_id FROM queued_commands WHERE status = ? ORDER BY device_id
	`, string(fleet.StatusDispatched))
	if err != nil {
		return nil, storageErr("devices with dispatched", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("devices with dispatched", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("devices with dispatched", err)
	}
	return ids, nil
}

// CompleteCommand writes the terminal status of a command and appends its
// execution record in one transaction. Completion is accepted from PENDING
// or DISPATCHED; a terminal command returns fleet.ErrConflict.
func (s *Store) CompleteCommand(ctx context.Context, id string, status fleet.CommandStatus, output, errMsg string, at time.Time) (*fleet.ExecutionRecord, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("complete command: %w: status %s is not terminal", fleet.ErrInvalid, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("complete command", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM queued_commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("command %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("complete command", err)
	}
	if cmd.Status.IsTerminal() {
		return nil, fmt.Errorf("command %s is %s: %w", id, cmd.Status, fleet.ErrConflict)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE queued_commands SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(status), toNanos(at), id, string(fleet.StatusPending), string(fleet.StatusDispatched))
	if err != nil {
		return nil, storageErr("complete command", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("command %s: %w", id, fleet.ErrConflict)
	}

	rec := &fleet.ExecutionRecord{
		CommandID:   cmd.ID,
		DeviceID:    cmd.DeviceID,
		Command:     cmd.Command,
		Status:      status,
		Output:      output,
		Error:       errMsg,
		Attempt:     cmd.Attempts,
		StartedAt:   cmd.DispatchedAt,
		CompletedAt: at,
	}
	res, err = tx.ExecContext(ctx, `
		INSERT INTO execution_records (command_id, device_id, command, status, output, error,
			attempt, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.CommandID, rec.DeviceID, rec.Command, string(rec.Status), rec.Output, rec.Error,
		rec.Attempt, toNanos(rec.StartedAt), toNanos(rec.CompletedAt))
	if err != nil {
		return nil, storageErr("append execution record", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, storageErr("append execution record", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("complete command", err)
	}
	return rec, nil
}

// PurgeCommands deletes terminal commands completed before the cutoff.
func (s *Store) PurgeCommands(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queued_commands
		WHERE status IN (?, ?) AND completed_at > 0 AND completed_at < ?
	`, string(fleet.StatusExecuted), string(fleet.StatusFailed), toNanos(before))
	if err != nil {
		return 0, storageErr("purge commands", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("purged terminal commands")
	}
	return n, nil
}

// guarded turns a zero-row guarded update into ErrNotFound or ErrConflict.
func (s *Store) guarded(ctx context.Context, res sql.Result, id string, want fleet.CommandStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM queued_commands WHERE id = ?`, id).Scan(&status)
	if isNoRows(err) {
		return fmt.Errorf("command %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return storageErr("read command status", err)
	}
	return fmt.Errorf("command %s is %s, want %s: %w", id, status, want, fleet.ErrConflict)
}

func (s *Store) queryCommands(ctx context.Context, op, query string, args ...any) ([]*fleet.QueuedCommand, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var cmds []*fleet.QueuedCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return cmds, nil
}

func scanCommand(r rowScanner) (*fleet.QueuedCommand, error) {
	var c fleet.QueuedCommand
	var args sql.NullString
	var status string
	var submittedAt, notBefore, dispatchedAt, completedAt int64
	err := r.Scan(&c.Seq, &c.ID, &c.DeviceID, &c.Command, &args, &c.Priority, &submittedAt,
		&c.SubmittedBy, &notBefore, &status, &c.Attempts, &dispatchedAt, &c.DispatchedConn,
		&completedAt, &c.RetryOf)
	if err != nil {
		return nil, err
	}
	if args.Valid && args.String != "" {
		c.Args = []byte(args.String)
	}
	c.Status = fleet.CommandStatus(status)
	c.SubmittedAt = fromNanos(submittedAt)
	c.NotBefore = fromNanos(notBefore)
	c.DispatchedAt = fromNanos(dispatchedAt)
	c.CompletedAt = fromNanos(completedAt)
	return &c, nil
}
