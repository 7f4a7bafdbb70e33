// Package dispatch decides how submitted commands reach devices.
//
// Every submission is persisted first. If the device is live the dispatcher
// then drains the device's backlog under the device's lock, which delivers
// older commands before the new one. A transport failure leaves the command
// PENDING, so a submission never fails because the device went away between
// the liveness check and the send.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/identity"
	"github.com/markus-barta/fleetlink/internal/protocol"
	"github.com/markus-barta/fleetlink/internal/queue"
	"github.com/markus-barta/fleetlink/internal/session"
	"github.com/rs/zerolog"
)

// Outcome statuses.
const (
	OutcomeDelivered = "delivered"
	OutcomeQueued    = "queued"
)

// maxDrainPasses bounds how often a drain restarts to pick up commands that
// were enqueued while it ran.
const maxDrainPasses = 8

// Queue is the command queue surface the dispatcher needs.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*fleet.QueuedCommand, error)
	Drain(ctx context.Context, deviceID string) iter.Seq2[*fleet.QueuedCommand, error]
	Get(ctx context.Context, id string) (*fleet.QueuedCommand, error)
	MarkDispatched(ctx context.Context, id, connID string) error
	Requeue(ctx context.Context, id string) error
	RequeueConn(ctx context.Context, connID string) (int64, error)
	RequeueStale(ctx context.Context, deviceID string, olderThan time.Duration) (int64, error)
	MarkExecuted(ctx context.Context, id, output string) (*fleet.ExecutionRecord, error)
	MarkFailed(ctx context.Context, id, output, errMsg string) (*fleet.ExecutionRecord, error)
	Retry(ctx context.Context, id, submittedBy string) (*fleet.QueuedCommand, error)
}

// Sessions is the session registry surface the dispatcher needs.
type Sessions interface {
	IsLive(deviceID string) bool
	Primary(deviceID string) (session.Conn, bool)
	Unregister(ctx context.Context, deviceID string, conn session.Conn, clean bool) bool
}

// Sender writes frames to a connection.
type Sender interface {
	SendVia(ctx context.Context, conn session.Conn, f protocol.Frame) error
}

// Devices reads and updates device records.
type Devices interface {
	GetDevice(ctx context.Context, id string) (*fleet.Device, error)
	SetMaintenance(ctx context.Context, id string, on bool) error
}

// Submission is a command submitted for a device.
type Submission struct {
	DeviceID  string
	Command   string
	Args      json.RawMessage
	Priority  int
	NotBefore time.Time
}

// Outcome is the definitive result of a submission.
type Outcome struct {
	Status  string `json:"status"`
	QueueID string `json:"queueId,omitempty"`
}

// DrainResult summarizes one drain of a device.
type DrainResult struct {
	Delivered []string // command ids, in delivery order
	Skipped   int      // commands claimed by another dispatcher
	Err       error    // the error that stopped the drain, if any
}

// Dispatcher routes commands to devices.
type Dispatcher struct {
	log      zerolog.Logger
	queue    Queue
	sessions Sessions
	sender   Sender
	devices  Devices
	locks    *deviceLocks
	now      func() time.Time

	redrains sync.WaitGroup
}

// New creates a dispatcher.
func New(log zerolog.Logger, q Queue, sessions Sessions, sender Sender, devices Devices) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "dispatch").Logger(),
		queue:    q,
		sessions: sessions,
		sender:   sender,
		devices:  devices,
		locks:    newDeviceLocks(),
		now:      time.Now,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// SUBMISSION
// ═══════════════════════════════════════════════════════════════════════════

// Submit persists a command and delivers it immediately if the device is
// live. Unknown devices return fleet.ErrNotFound and storage failures return
// fleet.ErrStorage; a disconnected device is never an error.
func (d *Dispatcher) Submit(ctx context.Context, who identity.Identity, s Submission) (Outcome, error) {
	dev, err := d.devices.GetDevice(ctx, s.DeviceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("submit: %w", err)
	}

	cmd, err := d.queue.Enqueue(ctx, queue.EnqueueRequest{
		DeviceID:    s.DeviceID,
		Command:     s.Command,
		Args:        s.Args,
		Priority:    s.Priority,
		NotBefore:   s.NotBefore,
		SubmittedBy: who.Subject,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("submit: %w", err)
	}

	d.log.Info().
		Str("device", s.DeviceID).
		Str("command_id", cmd.ID).
		Str("command", cmd.Command).
		Str("by", who.Subject).
		Msg("command submitted")

	return d.tryDeliver(context.WithoutCancel(ctx), dev, cmd), nil
}

// Retry re-enqueues a FAILED command and delivers it like a new submission.
func (d *Dispatcher) Retry(ctx context.Context, who identity.Identity, commandID string) (Outcome, error) {
	cmd, err := d.queue.Retry(ctx, commandID, who.Subject)
	if err != nil {
		return Outcome{}, fmt.Errorf("retry: %w", err)
	}
	dev, err := d.devices.GetDevice(ctx, cmd.DeviceID)
	if err != nil {
		// The retry is durably queued; delivery waits for the next drain.
		d.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("device lookup failed after retry")
		return Outcome{Status: OutcomeQueued, QueueID: cmd.ID}, nil
	}
	return d.tryDeliver(context.WithoutCancel(ctx), dev, cmd), nil
}

// tryDeliver drains the device if it can take commands now and reports
// whether cmd went out.
func (d *Dispatcher) tryDeliver(ctx context.Context, dev *fleet.Device, cmd *fleet.QueuedCommand) Outcome {
	out := Outcome{Status: OutcomeQueued, QueueID: cmd.ID}
	if dev.Maintenance || !cmd.Ready(d.now()) || !d.sessions.IsLive(dev.ID) {
		return out
	}

	unlock := d.locks.Lock(dev.ID)
	res := d.drainLocked(ctx, dev.ID)
	unlock()

	if slices.Contains(res.Delivered, cmd.ID) {
		out.Status = OutcomeDelivered
	} else if cur, err := d.queue.Get(ctx, cmd.ID); err == nil && cur.Status != fleet.StatusPending {
		// A concurrent drain that held the lock first picked it up.
		out.Status = OutcomeDelivered
	}
	if res.Err != nil {
		d.log.Warn().Err(res.Err).Str("device", dev.ID).Str("command_id", cmd.ID).Msg("immediate delivery failed, command stays queued")
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// DRAIN
// ═══════════════════════════════════════════════════════════════════════════

// Drain delivers a device's due backlog in order. It stops at the first
// transport or storage error and leaves the remainder PENDING. Devices in
// maintenance are skipped.
func (d *Dispatcher) Drain(ctx context.Context, deviceID string) (DrainResult, error) {
	dev, err := d.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return DrainResult{}, fmt.Errorf("drain %s: %w", deviceID, err)
	}
	if dev.Maintenance {
		return DrainResult{}, nil
	}

	unlock := d.locks.Lock(deviceID)
	defer unlock()
	res := d.drainLocked(ctx, deviceID)
	return res, res.Err
}

func (d *Dispatcher) drainLocked(ctx context.Context, deviceID string) DrainResult {
	var res DrainResult
	for pass := 0; pass < maxDrainPasses; pass++ {
		delivered := 0
		for cmd, err := range d.queue.Drain(ctx, deviceID) {
			if err != nil {
				res.Err = err
				return res
			}
			if err := ctx.Err(); err != nil {
				res.Err = err
				return res
			}
			conn, ok := d.sessions.Primary(deviceID)
			if !ok {
				return res
			}

			err := d.deliver(ctx, deviceID, conn, cmd)
			switch {
			case err == nil:
				res.Delivered = append(res.Delivered, cmd.ID)
				delivered++
			case errors.Is(err, fleet.ErrConflict):
				d.log.Debug().Str("command_id", cmd.ID).Msg("command already claimed")
				res.Skipped++
			default:
				res.Err = err
				return res
			}
		}
		if delivered == 0 {
			break
		}
	}
	if len(res.Delivered) > 0 {
		d.log.Info().Str("device", deviceID).Int("delivered", len(res.Delivered)).Msg("backlog drained")
	}
	return res
}

// deliver claims one command and sends it. On a transport failure the
// command is returned to the backlog and the connection is dropped.
func (d *Dispatcher) deliver(ctx context.Context, deviceID string, conn session.Conn, cmd *fleet.QueuedCommand) error {
	if err := d.queue.MarkDispatched(ctx, cmd.ID, conn.ID()); err != nil {
		return err
	}

	frame, err := protocol.NewFrame(protocol.TypeCommand, protocol.CommandPayload{
		CommandID: cmd.ID,
		Command:   cmd.Command,
		Args:      cmd.Args,
		Priority:  cmd.Priority,
		Attempt:   cmd.Attempts + 1,
	})
	if err == nil {
		err = d.sender.SendVia(ctx, conn, frame)
	}
	if err == nil {
		d.log.Debug().Str("device", deviceID).Str("command_id", cmd.ID).Str("conn", conn.ID()).Msg("command dispatched")
		return nil
	}

	d.log.Warn().Err(err).Str("device", deviceID).Str("command_id", cmd.ID).Msg("send failed, requeueing")
	bg := context.WithoutCancel(ctx)
	if errors.Is(err, fleet.ErrTransport) {
		// Unregistering requeues everything dispatched on conn, this command
		// included, and hands it to the next connection if there is one.
		d.sessions.Unregister(bg, deviceID, conn, false)
		conn.Close()
	}
	if rqErr := d.queue.Requeue(bg, cmd.ID); rqErr != nil && !errors.Is(rqErr, fleet.ErrConflict) {
		d.log.Error().Err(rqErr).Str("command_id", cmd.ID).Msg("requeue failed")
	}
	return err
}

// RepairStuck returns commands that were dispatched but never acknowledged
// to the backlog: all of them if the device is not live, otherwise those
// older than ackTimeout.
func (d *Dispatcher) RepairStuck(ctx context.Context, deviceID string, ackTimeout time.Duration) (int64, error) {
	unlock := d.locks.Lock(deviceID)
	defer unlock()

	if !d.sessions.IsLive(deviceID) {
		return d.queue.RequeueStale(ctx, deviceID, 0)
	}
	if ackTimeout <= 0 {
		return 0, nil
	}
	return d.queue.RequeueStale(ctx, deviceID, ackTimeout)
}

// SetMaintenance toggles maintenance mode. Leaving maintenance drains the
// device if it is live.
func (d *Dispatcher) SetMaintenance(ctx context.Context, deviceID string, on bool) error {
	if err := d.devices.SetMaintenance(ctx, deviceID, on); err != nil {
		return fmt.Errorf("set maintenance: %w", err)
	}
	d.log.Info().Str("device", deviceID).Bool("maintenance", on).Msg("maintenance updated")
	if on || !d.sessions.IsLive(deviceID) {
		return nil
	}
	if _, err := d.Drain(ctx, deviceID); err != nil {
		d.log.Warn().Err(err).Str("device", deviceID).Msg("drain after maintenance failed")
	}
	return nil
}
