// Package relay moves live frames between device connections and observers.
//
// Outbound frames go to one device connection. Inbound frames are validated,
// fanned out to every subscriber of the device and, for control acks, handed
// to the ack handler. There is no replay: a subscriber that falls behind or
// unsubscribes loses the frames it did not receive.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/protocol"
	"github.com/markus-barta/fleetlink/internal/session"
	"github.com/rs/zerolog"
)

// DefaultBuffer is the per-subscriber frame buffer.
const DefaultBuffer = 64

// Sessions is the registry surface the relay needs.
type Sessions interface {
	Primary(deviceID string) (session.Conn, bool)
}

// AckHandler consumes control acks from devices.
type AckHandler interface {
	HandleAck(ctx context.Context, deviceID string, ack protocol.ControlAckPayload)
}

// Relay is the stream relay.
type Relay struct {
	log      zerolog.Logger
	sessions Sessions
	buffer   int

	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	acks   AckHandler
}

// New creates a relay. A buffer <= 0 uses DefaultBuffer.
func New(log zerolog.Logger, sessions Sessions, buffer int) *Relay {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Relay{
		log:      log.With().Str("component", "relay").Logger(),
		sessions: sessions,
		buffer:   buffer,
		subs:     make(map[string]map[uint64]*Subscription),
	}
}

// SetAckHandler sets the consumer of control acks.
func (r *Relay) SetAckHandler(h AckHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = h
}

// ═══════════════════════════════════════════════════════════════════════════
// OUTBOUND
// ═══════════════════════════════════════════════════════════════════════════

// Send delivers a frame to the device's primary connection. A nil error is
// the transport acknowledgment.
func (r *Relay) Send(ctx context.Context, deviceID string, f protocol.Frame) error {
	conn, ok := r.sessions.Primary(deviceID)
	if !ok {
		return fmt.Errorf("send to %s: device not live: %w", deviceID, fleet.ErrTransport)
	}
	return r.SendVia(ctx, conn, f)
}

// SendVia delivers a frame on a specific connection.
func (r *Relay) SendVia(ctx context.Context, conn session.Conn, f protocol.Frame) error {
	if err := conn.Send(ctx, f); err != nil {
		return fmt.Errorf("send on %s: %w: %w", conn.ID(), fleet.ErrTransport, err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// INBOUND
// ═══════════════════════════════════════════════════════════════════════════

// HandleInbound validates a raw frame received on conn. A malformed frame is
// answered with an error frame on the same connection and dropped; the
// connection stays open. Valid frames are fanned out to subscribers.
func (r *Relay) HandleInbound(ctx context.Context, deviceID string, conn session.Conn, data []byte) error {
	f, err := protocol.DecodeInbound(data)
	if err != nil {
		r.log.Debug().Err(err).Str("device", deviceID).Msg("rejected frame")
		if sendErr := conn.Send(ctx, protocol.ErrorFrame(protocol.CodeInvalidFrame, err.Error())); sendErr != nil {
			return fmt.Errorf("reply to invalid frame: %w: %w", fleet.ErrTransport, sendErr)
		}
		return err
	}

	if f.Type == protocol.TypeControlAck {
		r.mu.RLock()
		acks := r.acks
		r.mu.RUnlock()
		if acks != nil {
			ack, _ := f.Ack()
			acks.HandleAck(ctx, deviceID, ack)
		}
	}
	if f.Type == protocol.TypeError {
		var p protocol.ErrorPayload
		_ = f.ParsePayload(&p)
		r.log.Warn().Str("device", deviceID).Str("code", p.Code).Str("message", p.Message).Msg("device reported error")
	}

	r.Publish(deviceID, f)
	return nil
}

// Publish fans a frame out to the device's subscribers without blocking.
func (r *Relay) Publish(deviceID string, f protocol.Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs[deviceID] {
		sub.offer(f)
	}
}

// IsInvalidFrame reports whether err came from frame validation.
func IsInvalidFrame(err error) bool {
	var inv *protocol.InvalidFrameError
	return errors.As(err, &inv)
}
