package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/markus-barta/fleetlink/internal/fleet"
)

// persist writes a transition. On failure the update is kept for RetryPending.
func (r *Registry) persist(ctx context.Context, u fleet.LivenessUpdate) {
	applied, err := r.store.RecordLiveness(ctx, u)
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		r.log.Warn().Str("device", u.DeviceID).Msg("liveness for unknown device")
	case err != nil:
		r.log.Error().Err(err).Str("device", u.DeviceID).Str("state", string(u.State)).Msg("liveness write failed, will retry")
		r.remember(u)
	default:
		r.forget(u)
		if !applied {
			r.log.Debug().Str("device", u.DeviceID).Uint64("seq", u.Seq).Msg("liveness write superseded")
		}
	}
}

func (r *Registry) remember(u fleet.LivenessUpdate) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if prev, ok := r.pending[u.DeviceID]; ok && prev.Seq > u.Seq {
		return
	}
	r.pending[u.DeviceID] = u
}

// forget drops a pending retry made obsolete by a successful write.
func (r *Registry) forget(u fleet.LivenessUpdate) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if prev, ok := r.pending[u.DeviceID]; ok && prev.Seq <= u.Seq {
		delete(r.pending, u.DeviceID)
	}
}

// PendingWrites returns the number of liveness writes awaiting retry.
func (r *Registry) PendingWrites() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// RetryPending retries failed liveness writes. It returns how many succeeded.
func (r *Registry) RetryPending(ctx context.Context) (int, error) {
	r.pendingMu.Lock()
	updates := make([]fleet.LivenessUpdate, 0, len(r.pending))
	for _, u := range r.pending {
		updates = append(updates, u)
	}
	r.pendingMu.Unlock()

	var done int
	var errs []error
	for _, u := range updates {
		_, err := r.store.RecordLiveness(ctx, u)
		if err != nil && !errors.Is(err, fleet.ErrNotFound) {
			errs = append(errs, fmt.Errorf("device %s: %w", u.DeviceID, err))
			continue
		}
		r.forget(u)
		done++
	}
	return done, errors.Join(errs...)
}

// RepairLiveness rewrites the stored state of a device from the registry's
// view: ONLINE if it has a connection, OFFLINE otherwise. last_seen is left
// untouched. The sequence is taken under the registry lock, so a concurrent
// connect or disconnect always carries a newer sequence than a repair that
// observed the state before it.
func (r *Registry) RepairLiveness(ctx context.Context, deviceID string) (fleet.LivenessState, error) {
	r.mu.Lock()
	state := fleet.StateOffline
	if len(r.sessions[deviceID]) > 0 {
		state = fleet.StateOnline
	}
	u := fleet.LivenessUpdate{DeviceID: deviceID, State: state, Seq: r.NextSeq()}
	r.mu.Unlock()

	applied, err := r.store.RecordLiveness(ctx, u)
	if err != nil {
		return state, fmt.Errorf("repair %s: %w", deviceID, err)
	}
	if applied {
		r.log.Info().Str("device", deviceID).Str("state", string(state)).Msg("liveness repaired")
	}
	return state, nil
}

// Refresh re-stamps last_seen and renews the presence claim of a live
// device. Devices without a session are left alone.
func (r *Registry) Refresh(ctx context.Context, deviceID string) error {
	if !r.IsLive(deviceID) {
		return nil
	}
	if err := r.store.TouchLastSeen(ctx, deviceID, r.now().UTC()); err != nil {
		return fmt.Errorf("refresh %s: %w", deviceID, err)
	}
	if err := r.presence.Announce(ctx, deviceID); err != nil {
		r.log.Warn().Err(err).Str("device", deviceID).Msg("presence refresh failed")
	}
	return nil
}
