// Package session implements the session registry: the process-local map of
// device ids to live transport connections.
//
// The registry is the only component that flips a device's liveness. A device
// is live iff it has at least one registered connection. Liveness transitions
// are written to the store with a monotonically increasing sequence so that a
// late write for an older transition never overrides a newer one. A failed
// write leaves the in-memory state authoritative and is retried later.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/presence"
	"github.com/markus-barta/fleetlink/internal/protocol"
	"github.com/rs/zerolog"
)

// Conn is one live transport connection of a device.
type Conn interface {
	// ID is unique per connection instance.
	ID() string
	// Send writes a frame. It returns once the transport accepted it.
	Send(ctx context.Context, f protocol.Frame) error
	Close() error
}

// PeerInfo is optionally implemented by connections that know their origin.
type PeerInfo interface {
	RemoteAddr() string
	UserAgent() string
}

// LivenessStore persists liveness transitions.
type LivenessStore interface {
	RecordLiveness(ctx context.Context, u fleet.LivenessUpdate) (bool, error)
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

// Listener receives liveness events. Callbacks run on the caller's goroutine
// after the registry lock is released.
type Listener interface {
	OnDeviceConnected(ctx context.Context, deviceID string)
	OnDeviceDisconnected(ctx context.Context, deviceID string)
	// OnConnectionClosed runs for every unregistered connection, before
	// OnDeviceDisconnected when it was the last one.
	OnConnectionClosed(ctx context.Context, deviceID, connID string)
}

// Handle binds a device to one registered connection.
type Handle struct {
	DeviceID    string
	Conn        Conn
	First       bool
	ConnectedAt time.Time
}

// Registry tracks live device sessions.
type Registry struct {
	log      zerolog.Logger
	store    LivenessStore
	presence presence.Directory
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string][]*Handle // registration order; [0] is the primary
	listener Listener

	seq atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]fleet.LivenessUpdate
}

// Option configures a Registry.
type Option func(*Registry)

// WithPresence mirrors ownership into a shared directory.
func WithPresence(d presence.Directory) Option {
	return func(r *Registry) { r.presence = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry. Sequences start at the current
// wall-clock nanoseconds so they keep increasing across restarts.
func NewRegistry(log zerolog.Logger, store LivenessStore, opts ...Option) *Registry {
	r := &Registry{
		log:      log.With().Str("component", "session").Logger(),
		store:    store,
		presence: presence.Nop{},
		now:      time.Now,
		sessions: make(map[string][]*Handle),
		pending:  make(map[string]fleet.LivenessUpdate),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.seq.Store(uint64(time.Now().UnixNano()))
	return r
}

// SetListener sets the liveness event listener (breaks the construction
// cycle with the dispatcher).
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// NextSeq reserves a liveness sequence number.
func (r *Registry) NextSeq() uint64 {
	return r.seq.Add(1)
}

// ═══════════════════════════════════════════════════════════════════════════
// REGISTRATION
// ═══════════════════════════════════════════════════════════════════════════

// Register adds a connection for a device. Registering the same connection
// twice returns the existing handle. Only the first concurrent connection of a
// device moves it ONLINE and fires OnDeviceConnected.
func (r *Registry) Register(ctx context.Context, deviceID string, conn Conn) (*Handle, error) {
	if deviceID == "" || conn == nil {
		return nil, fmt.Errorf("register: %w: device id and connection are required", fleet.ErrInvalid)
	}
	now := r.now().UTC()

	r.mu.Lock()
	handles := r.sessions[deviceID]
	for _, h := range handles {
		if h.Conn.ID() == conn.ID() {
			r.mu.Unlock()
			return h, nil
		}
	}
	h := &Handle{DeviceID: deviceID, Conn: conn, First: len(handles) == 0, ConnectedAt: now}
	r.sessions[deviceID] = append(handles, h)
	var update fleet.LivenessUpdate
	if h.First {
		update = fleet.LivenessUpdate{DeviceID: deviceID, State: fleet.StateOnline, Seq: r.NextSeq(), At: now}
		if p, ok := conn.(PeerInfo); ok {
			update.RemoteAddr = p.RemoteAddr()
			update.UserAgent = p.UserAgent()
		}
	}
	listener := r.listener
	count := len(r.sessions[deviceID])
	r.mu.Unlock()

	if !h.First {
		r.log.Debug().Str("device", deviceID).Str("conn", conn.ID()).Int("connections", count).Msg("connection added")
		return h, nil
	}

	r.log.Info().Str("device", deviceID).Str("conn", conn.ID()).Str("remote", update.RemoteAddr).Msg("device online")
	r.persist(ctx, update)
	if err := r.presence.Announce(ctx, deviceID); err != nil {
		r.log.Warn().Err(err).Str("device", deviceID).Msg("presence announce failed")
	}
	if listener != nil {
		listener.OnDeviceConnected(ctx, deviceID)
	}
	return h, nil
}

// Unregister removes exactly one connection. It reports whether the
// connection was registered. Removing the last connection moves the device
// OFFLINE and stamps its last-seen with the disconnect time; clean records
// whether the transport closed normally.
func (r *Registry) Unregister(ctx context.Context, deviceID string, conn Conn, clean bool) bool {
	now := r.now().UTC()

	r.mu.Lock()
	handles := r.sessions[deviceID]
	idx := slices.IndexFunc(handles, func(h *Handle) bool { return h.Conn.ID() == conn.ID() })
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	handles = slices.Delete(handles, idx, idx+1)
	last := len(handles) == 0
	var update fleet.LivenessUpdate
	if last {
		delete(r.sessions, deviceID)
		update = fleet.LivenessUpdate{DeviceID: deviceID, State: fleet.StateOffline, Seq: r.NextSeq(), At: now, Clean: clean}
	} else {
		r.sessions[deviceID] = handles
	}
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener.OnConnectionClosed(ctx, deviceID, conn.ID())
	}
	if !last {
		r.log.Debug().Str("device", deviceID).Str("conn", conn.ID()).Int("connections", len(handles)).Msg("connection removed")
		return true
	}

	r.log.Info().Str("device", deviceID).Str("conn", conn.ID()).Bool("clean", clean).Msg("device offline")
	r.persist(ctx, update)
	if err := r.presence.Withdraw(ctx, deviceID); err != nil {
		r.log.Warn().Err(err).Str("device", deviceID).Msg("presence withdraw failed")
	}
	if listener != nil {
		listener.OnDeviceDisconnected(ctx, deviceID)
	}
	return true
}

// ═══════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════

// IsLive reports whether the device has at least one registered connection.
func (r *Registry) IsLive(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[deviceID]) > 0
}

// LiveDevices returns the ids of all live devices, sorted.
func (r *Registry) LiveDevices() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Owner returns the instance holding a session for the device according to
// the presence directory. Lookup failures are logged and reported as unknown.
func (r *Registry) Owner(ctx context.Context, deviceID string) (string, bool) {
	instance, ok, err := r.presence.Lookup(ctx, deviceID)
	if err != nil {
		r.log.Warn().Err(err).Str("device", deviceID).Msg("presence lookup failed")
		return "", false
	}
	return instance, ok
}

// Primary returns the device's oldest registered connection, which carries
// commands.
func (r *Registry) Primary(deviceID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := r.sessions[deviceID]
	if len(handles) == 0 {
		return nil, false
	}
	return handles[0].Conn, true
}

// Connections returns a snapshot of the device's connections.
func (r *Registry) Connections(deviceID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := r.sessions[deviceID]
	conns := make([]Conn, len(handles))
	for i, h := range handles {
		conns[i] = h.Conn
	}
	return conns
}

// Broadcast sends a frame on every connection of the device. Sends happen
// outside the registry lock; failures are joined.
func (r *Registry) Broadcast(ctx context.Context, deviceID string, f protocol.Frame) error {
	conns := r.Connections(deviceID)
	if len(conns) == 0 {
		return fmt.Errorf("broadcast to %s: device not live: %w", deviceID, fleet.ErrTransport)
	}
	var errs []error
	for _, c := range conns {
		if err := c.Send(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("conn %s: %w: %w", c.ID(), fleet.ErrTransport, err))
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every registered connection. Transport handlers unregister
// them as their read loops exit.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var conns []Conn
	for _, handles := range r.sessions {
		for _, h := range handles {
			conns = append(conns, h.Conn)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			r.log.Debug().Err(err).Str("conn", c.ID()).Msg("close failed")
		}
	}
}
