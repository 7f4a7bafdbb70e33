package relay

import (
	"sync"
	"sync/atomic"

	"github.com/markus-barta/fleetlink/internal/protocol"
)

// Subscription is a live feed of one device's inbound frames.
type Subscription struct {
	DeviceID string

	id      uint64
	relay   *Relay
	frames  chan protocol.Frame
	dropped atomic.Uint64

	closeOnce sync.Once
	closed    bool // guarded by relay.mu
}

// Subscribe starts a feed for the device. Frames published before the call
// are not delivered.
func (r *Relay) Subscribe(deviceID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{
		DeviceID: deviceID,
		id:       r.nextID,
		relay:    r,
		frames:   make(chan protocol.Frame, r.buffer),
	}
	if r.subs[deviceID] == nil {
		r.subs[deviceID] = make(map[uint64]*Subscription)
	}
	r.subs[deviceID][sub.id] = sub
	return sub
}

// Subscribers returns the number of subscribers of a device.
func (r *Relay) Subscribers(deviceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[deviceID])
}

// Frames returns the feed. It is closed by Close.
func (s *Subscription) Frames() <-chan protocol.Frame {
	return s.frames
}

// Dropped returns how many frames were lost because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		r := s.relay
		r.mu.Lock()
		defer r.mu.Unlock()
		if subs := r.subs[s.DeviceID]; subs != nil {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(r.subs, s.DeviceID)
			}
		}
		s.closed = true
		close(s.frames)
	})
}

// offer must be called with relay.mu held for reading.
func (s *Subscription) offer(f protocol.Frame) {
	if s.closed {
		return
	}
	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
	}
}
