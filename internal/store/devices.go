package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/markus-barta/fleetlink/internal/fleet"
)

const deviceColumns = `id, name, token_hash, status, maintenance, last_seen, liveness_seq,
	remote_addr, user_agent, disconnected_at, clean_disconnect, created_at`

// CreateDevice inserts a provisioned device. New devices start OFFLINE.
func (s *Store) CreateDevice(ctx context.Context, d *fleet.Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = fleet.StateOffline
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Name, d.TokenHash, string(d.Status), boolInt(d.Maintenance),
		toNanos(d.LastSeen), int64(d.LivenessSeq), d.RemoteAddr, d.UserAgent,
		toNanos(d.DisconnectedAt), boolInt(d.CleanDisconnect), toNanos(d.CreatedAt))
	if err != nil {
		return storageErr("create device", err)
	}
	return nil
}

// GetDevice retrieves a device by ID.
func (s *Store) GetDevice(ctx context.Context, id string) (*fleet.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("device %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get device", err)
	}
	return d, nil
}

// ListDevices returns every device ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]*fleet.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, storageErr("list devices", err)
	}
	defer rows.Close()

	var devices []*fleet.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, storageErr("scan device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list devices", err)
	}
	return devices, nil
}

// RecordLiveness applies a liveness transition if its sequence is newer than
// the last applied one. It reports whether the update was applied; a stale
// update is not an error.
func (s *Store) RecordLiveness(ctx context.Context, u fleet.LivenessUpdate) (bool, error) {
	sets := []string{"status = ?", "liveness_seq = ?"}
	args := []any{string(u.State), int64(u.Seq)}

	if !u.At.IsZero() {
		sets = append(sets, "last_seen = ?")
		args = append(args, toNanos(u.At))
		switch u.State {
		case fleet.StateOnline:
			sets = append(sets, "remote_addr = ?", "user_agent = ?", "clean_disconnect = 0")
			args = append(args, u.RemoteAddr, u.UserAgent)
		case fleet.StateOffline:
			sets = append(sets, "disconnected_at = ?", "clean_disconnect = ?")
			args = append(args, toNanos(u.At), boolInt(u.Clean))
		}
	}
	args = append(args, u.DeviceID, int64(u.Seq))

	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET `+strings.Join(sets, ", ")+` WHERE id = ? AND liveness_seq < ?`, args...)
	if err != nil {
		return false, storageErr("record liveness", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("record liveness", err)
	}
	if n > 0 {
		return true, nil
	}

	if _, err := s.GetDevice(ctx, u.DeviceID); err != nil {
		return false, err
	}
	return false, nil
}

// TouchLastSeen stamps last_seen without changing liveness.
func (s *Store) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen = ? WHERE id = ?`, toNanos(at), id)
	if err != nil {
		return storageErr("touch last seen", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

// SetMaintenance sets or clears the maintenance flag.
func (s *Store) SetMaintenance(ctx context.Context, id string, on bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET maintenance = ? WHERE id = ?`, boolInt(on), id)
	if err != nil {
		return storageErr("set maintenance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

// MarkAllOffline flips every ONLINE device to OFFLINE. Used on startup, when no
// session can have survived.
func (s *Store) MarkAllOffline(ctx context.Context, seq uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, liveness_seq = ?
		WHERE status = ? AND liveness_seq < ?
	`, string(fleet.StateOffline), int64(seq), string(fleet.StateOnline), int64(seq))
	if err != nil {
		return 0, storageErr("mark all offline", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("marked devices offline")
	}
	return n, nil
}

func scanDevice(r rowScanner) (*fleet.Device, error) {
	var d fleet.Device
	var status string
	var maintenance, clean int
	var lastSeen, seq, disconnectedAt, createdAt int64
	err := r.Scan(&d.ID, &d.Name, &d.TokenHash, &status, &maintenance, &lastSeen, &seq,
		&d.RemoteAddr, &d.UserAgent, &disconnectedAt, &clean, &createdAt)
	if err != nil {
		return nil, err
	}
	d.Status = fleet.LivenessState(status)
	d.Maintenance = maintenance != 0
	d.LastSeen = fromNanos(lastSeen)
	d.LivenessSeq = uint64(seq)
	d.DisconnectedAt = fromNanos(disconnectedAt)
	d.CleanDisconnect = clean != 0
	d.CreatedAt = fromNanos(createdAt)
	return &d, nil
}
