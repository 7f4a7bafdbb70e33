// Package queue implements the durable per-device command queue.
//
// Commands are appended PENDING and leave the backlog through guarded status
// transitions. Drain order is priority descending, then not-before ascending,
// then submission ascending. Terminal commands are never modified; a retry is
// a new command linked to the failed one.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/store"
	"github.com/rs/zerolog"
)

// DefaultPageSize is the number of commands fetched per drain round-trip.
const DefaultPageSize = 32

// Repository is the storage surface the queue needs.
type Repository interface {
	InsertCommand(ctx context.Context, c *fleet.QueuedCommand) error
	GetCommand(ctx context.Context, id string) (*fleet.QueuedCommand, error)
	ListPending(ctx context.Context, deviceID string, now time.Time, after *store.Cursor, limit int) ([]*fleet.QueuedCommand, error)
	MarkDispatched(ctx context.Context, id, connID string, at time.Time) error
	Requeue(ctx context.Context, id string) error
	RequeueConn(ctx context.Context, connID string) (int64, error)
	RequeueDispatched(ctx context.Context, deviceID string, before time.Time) (int64, error)
	DevicesWithDispatched(ctx context.Context) ([]string, error)
	CompleteCommand(ctx context.Context, id string, status fleet.CommandStatus, output, errMsg string, at time.Time) (*fleet.ExecutionRecord, error)
	PurgeRecords(ctx context.Context, before time.Time) (int64, error)
	PurgeCommands(ctx context.Context, before time.Time) (int64, error)
}

// Queue is the command queue.
type Queue struct {
	log      zerolog.Logger
	repo     Repository
	now      func() time.Time
	pageSize int
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithPageSize sets the drain page size.
func WithPageSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.pageSize = n
		}
	}
}

// New creates a Queue over the given repository.
func New(log zerolog.Logger, repo Repository, opts ...Option) *Queue {
	q := &Queue{
		log:      log.With().Str("component", "queue").Logger(),
		repo:     repo,
		now:      time.Now,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueRequest describes a new command.
type EnqueueRequest struct {
	DeviceID    string
	Command     string
	Args        json.RawMessage
	Priority    int
	NotBefore   time.Time
	SubmittedBy string
}

// Enqueue appends a PENDING command to the device's backlog.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*fleet.QueuedCommand, error) {
	command := strings.TrimSpace(req.Command)
	if req.DeviceID == "" {
		return nil, fmt.Errorf("enqueue: %w: device id is required", fleet.ErrInvalid)
	}
	if command == "" {
		return nil, fmt.Errorf("enqueue: %w: command is required", fleet.ErrInvalid)
	}
	if len(req.Args) > 0 && !json.Valid(req.Args) {
		return nil, fmt.Errorf("enqueue: %w: args must be valid json", fleet.ErrInvalid)
	}

	c := &fleet.QueuedCommand{
		ID:          uuid.NewString(),
		DeviceID:    req.DeviceID,
		Command:     command,
		Args:        req.Args,
		Priority:    req.Priority,
		SubmittedAt: q.now().UTC(),
		SubmittedBy: req.SubmittedBy,
		NotBefore:   req.NotBefore,
	}
	if err := q.repo.InsertCommand(ctx, c); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	q.log.Debug().
		Str("device", c.DeviceID).
		Str("command_id", c.ID).
		Str("command", c.Command).
		Int("priority", c.Priority).
		Msg("command queued")
	return c, nil
}

// Drain returns the device's due PENDING commands in drain order. The
// sequence is lazy and pages through storage with a keyset cursor, so a
// command that was present when the drain started is never skipped and a
// command dispatched elsewhere mid-drain is not yielded again. Iteration stops
// after the first error.
func (q *Queue) Drain(ctx context.Context, deviceID string) iter.Seq2[*fleet.QueuedCommand, error] {
	return func(yield func(*fleet.QueuedCommand, error) bool) {
		now := q.now()
		var cursor *store.Cursor
		for {
			page, err := q.repo.ListPending(ctx, deviceID, now, cursor, q.pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("drain %s: %w", deviceID, err))
				return
			}
			for _, c := range page {
				if !yield(c, nil) {
					return
				}
			}
			if len(page) < q.pageSize {
				return
			}
			cursor = store.After(page[len(page)-1])
		}
	}
}

// Pending collects Drain into a slice.
func (q *Queue) Pending(ctx context.Context, deviceID string) ([]*fleet.QueuedCommand, error) {
	var cmds []*fleet.QueuedCommand
	for c, err := range q.Drain(ctx, deviceID) {
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, nil
}

// Get returns a command by id.
func (q *Queue) Get(ctx context.Context, id string) (*fleet.QueuedCommand, error) {
	return q.repo.GetCommand(ctx, id)
}

// MarkDispatched claims a PENDING command for delivery on a connection.
// Losing the race returns fleet.ErrConflict; callers treat that as handled
// by another writer.
func (q *Queue) MarkDispatched(ctx context.Context, id, connID string) error {
	return q.repo.MarkDispatched(ctx, id, connID, q.now().UTC())
}

// Requeue returns a DISPATCHED command to the backlog after a transport
// failure.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.repo.Requeue(ctx, id)
}

// RequeueConn returns commands dispatched on a closed connection to the
// backlog.
func (q *Queue) RequeueConn(ctx context.Context, connID string) (int64, error) {
	n, err := q.repo.RequeueConn(ctx, connID)
	if err == nil && n > 0 {
		q.log.Info().Str("conn", connID).Int64("count", n).Msg("requeued unacknowledged commands")
	}
	return n, err
}

// RequeueStale returns DISPATCHED commands of a device to the backlog. With a
// zero olderThan every DISPATCHED command of the device is requeued.
func (q *Queue) RequeueStale(ctx context.Context, deviceID string, olderThan time.Duration) (int64, error) {
	var before time.Time
	if olderThan > 0 {
		before = q.now().Add(-olderThan)
	}
	n, err := q.repo.RequeueDispatched(ctx, deviceID, before)
	if err == nil && n > 0 {
		q.log.Warn().Str("device", deviceID).Int64("count", n).Msg("requeued stuck commands")
	}
	return n, err
}

// RecoverDispatched returns every DISPATCHED command to the backlog. Called
// on startup, when no connection can hold an unacknowledged command.
func (q *Queue) RecoverDispatched(ctx context.Context) (int64, error) {
	n, err := q.repo.RequeueDispatched(ctx, "", time.Time{})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		q.log.Info().Msg("no orphaned commands to recover")
	} else {
		q.log.Warn().Int64("count", n).Msg("recovered orphaned commands")
	}
	return n, nil
}

// DevicesWithDispatched lists devices holding DISPATCHED commands.
func (q *Queue) DevicesWithDispatched(ctx context.Context) ([]string, error) {
	return q.repo.DevicesWithDispatched(ctx)
}

// MarkExecuted completes a command successfully and appends its record.
func (q *Queue) MarkExecuted(ctx context.Context, id, output string) (*fleet.ExecutionRecord, error) {
	return q.complete(ctx, id, fleet.StatusExecuted, output, "")
}

// MarkFailed completes a command with an application failure and appends its
// record.
func (q *Queue) MarkFailed(ctx context.Context, id, output, errMsg string) (*fleet.ExecutionRecord, error) {
	return q.complete(ctx, id, fleet.StatusFailed, output, errMsg)
}

func (q *Queue) complete(ctx context.Context, id string, status fleet.CommandStatus, output, errMsg string) (*fleet.ExecutionRecord, error) {
	rec, err := q.repo.CompleteCommand(ctx, id, status, output, errMsg, q.now().UTC())
	if err != nil {
		return nil, err
	}
	q.log.Info().
		Str("device", rec.DeviceID).
		Str("command_id", id).
		Str("status", string(status)).
		Int("attempt", rec.Attempt).
		Msg("command completed")
	return rec, nil
}

// Retry enqueues a new command copying a FAILED one. The failed command and
// its records are left untouched. A command is retried at most once; later
// calls return fleet.ErrConflict.
func (q *Queue) Retry(ctx context.Context, id, submittedBy string) (*fleet.QueuedCommand, error) {
	orig, err := q.repo.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != fleet.StatusFailed {
		return nil, fmt.Errorf("retry %s: command is %s: %w", id, orig.Status, fleet.ErrConflict)
	}

	c := &fleet.QueuedCommand{
		ID:          uuid.NewString(),
		DeviceID:    orig.DeviceID,
		Command:     orig.Command,
		Args:        orig.Args,
		Priority:    orig.Priority,
		SubmittedAt: q.now().UTC(),
		SubmittedBy: submittedBy,
		RetryOf:     orig.ID,
	}
	if err := q.repo.InsertCommand(ctx, c); err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	return c, nil
}

// PurgeResult reports what a retention pass deleted.
type PurgeResult struct {
	Records  int64
	Commands int64
}

// Purge deletes execution records and terminal commands older than horizon.
// Both deletes are attempted even if one fails.
func (q *Queue) Purge(ctx context.Context, horizon time.Duration) (PurgeResult, error) {
	cutoff := q.now().Add(-horizon)

	var res PurgeResult
	var errs []error
	n, err := q.repo.PurgeRecords(ctx, cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	res.Records = n

	n, err = q.repo.PurgeCommands(ctx, cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	res.Commands = n

	return res, errors.Join(errs...)
}
