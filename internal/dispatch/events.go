package dispatch

import (
	"context"
	"errors"

	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/protocol"
)

// OnDeviceConnected drains the backlog of a device that just came online.
func (d *Dispatcher) OnDeviceConnected(ctx context.Context, deviceID string) {
	res, err := d.Drain(ctx, deviceID)
	if err != nil {
		d.log.Warn().Err(err).Str("device", deviceID).Int("delivered", len(res.Delivered)).Msg("drain on connect stopped")
	}
}

// OnDeviceDisconnected is called when the last connection of a device is
// gone. Unacknowledged commands were already requeued per connection.
func (d *Dispatcher) OnDeviceDisconnected(_ context.Context, deviceID string) {
	d.log.Debug().Str("device", deviceID).Msg("device disconnected")
}

// OnConnectionClosed returns commands dispatched on the closed connection
// to the backlog. If the device is still live on another connection they
// are redelivered there.
func (d *Dispatcher) OnConnectionClosed(ctx context.Context, deviceID, connID string) {
	n, err := d.queue.RequeueConn(ctx, connID)
	if err != nil {
		d.log.Error().Err(err).Str("device", deviceID).Str("conn", connID).Msg("requeue on close failed")
		return
	}
	if n == 0 || !d.sessions.IsLive(deviceID) {
		return
	}

	// The caller may be a drain holding the device lock.
	d.redrains.Add(1)
	go func() {
		defer d.redrains.Done()
		res, err := d.Drain(context.WithoutCancel(ctx), deviceID)
		if err != nil {
			d.log.Warn().Err(err).Str("device", deviceID).Int("delivered", len(res.Delivered)).Msg("redelivery after close stopped")
		}
	}()
}

// Wait blocks until redeliveries started by closed connections finish.
func (d *Dispatcher) Wait() {
	d.redrains.Wait()
}

// HandleAck completes a command from the device's control ack. Duplicate
// acks for completed commands are ignored.
func (d *Dispatcher) HandleAck(ctx context.Context, deviceID string, ack protocol.ControlAckPayload) {
	cmd, err := d.queue.Get(ctx, ack.CommandID)
	if err != nil {
		d.log.Warn().Err(err).Str("device", deviceID).Str("command_id", ack.CommandID).Msg("ack for unknown command")
		return
	}
	if cmd.DeviceID != deviceID {
		d.log.Warn().Str("device", deviceID).Str("owner", cmd.DeviceID).Str("command_id", ack.CommandID).Msg("ack from wrong device")
		return
	}

	switch ack.Status {
	case protocol.AckExecuted:
		_, err = d.queue.MarkExecuted(ctx, ack.CommandID, ack.Output)
	case protocol.AckFailed:
		_, err = d.queue.MarkFailed(ctx, ack.CommandID, ack.Output, ack.Error)
	default:
		return
	}
	switch {
	case errors.Is(err, fleet.ErrConflict):
		d.log.Debug().Str("command_id", ack.CommandID).Msg("duplicate ack ignored")
	case err != nil:
		d.log.Error().Err(err).Str("command_id", ack.CommandID).Msg("failed to record command result")
	}
}
