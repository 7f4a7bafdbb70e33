package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/markus-barta/fleetlink/internal/dispatch"
	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/queue"
	"github.com/rs/zerolog"
)

// Sweep names.
const (
	SweepLiveness  = "liveness"
	SweepStale     = "stale"
	SweepDrain     = "drain"
	SweepRetention = "retention"
)

// Registry is the session registry surface used by the sweeps.
type Registry interface {
	LiveDevices() []string
	IsLive(deviceID string) bool
	Refresh(ctx context.Context, deviceID string) error
	RetryPending(ctx context.Context) (int, error)
	RepairLiveness(ctx context.Context, deviceID string) (fleet.LivenessState, error)
}

// Dispatcher is the dispatch surface used by the drain sweep.
type Dispatcher interface {
	Drain(ctx context.Context, deviceID string) (dispatch.DrainResult, error)
	RepairStuck(ctx context.Context, deviceID string, ackTimeout time.Duration) (int64, error)
}

// Queue is the command queue surface used by the drain and retention sweeps.
type Queue interface {
	DevicesWithDispatched(ctx context.Context) ([]string, error)
	Purge(ctx context.Context, horizon time.Duration) (queue.PurgeResult, error)
}

// Devices lists stored devices.
type Devices interface {
	ListDevices(ctx context.Context) ([]*fleet.Device, error)
}

// StaleChecker asks the transport layer to verify a device that went away
// without a clean disconnect. It never marks a device ONLINE; only a new
// session does that.
type StaleChecker interface {
	CheckStale(ctx context.Context, d *fleet.Device) error
}

// LogStaleChecker records stale devices without contacting them.
type LogStaleChecker struct {
	Log zerolog.Logger
}

func (p LogStaleChecker) CheckStale(_ context.Context, d *fleet.Device) error {
	p.Log.Info().
		Str("device", d.ID).
		Time("last_seen", d.LastSeen).
		Str("remote_addr", d.RemoteAddr).
		Msg("device disconnected uncleanly and has not returned")
	return nil
}

// Settings holds sweep cadences and thresholds.
type Settings struct {
	LivenessInterval  time.Duration
	StaleInterval     time.Duration
	DrainInterval     time.Duration
	RetentionInterval time.Duration
	RetentionHorizon  time.Duration
	StaleGrace        time.Duration
	AckTimeout        time.Duration
}

// DefaultSettings returns the standard cadences.
func DefaultSettings() Settings {
	return Settings{
		LivenessInterval:  5 * time.Minute,
		StaleInterval:     10 * time.Minute,
		DrainInterval:     time.Minute,
		RetentionInterval: 24 * time.Hour,
		RetentionHorizon:  30 * 24 * time.Hour,
		StaleGrace:        15 * time.Minute,
		AckTimeout:        5 * time.Minute,
	}
}

// Reconciler implements the four sweeps.
type Reconciler struct {
	log        zerolog.Logger
	settings   Settings
	registry   Registry
	dispatcher Dispatcher
	queue      Queue
	devices    Devices
	stale      StaleChecker
	now        func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithStaleChecker sets the hook the stale sweep hands dropped devices to.
func WithStaleChecker(c StaleChecker) Option {
	return func(r *Reconciler) { r.stale = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a reconciler.
func New(log zerolog.Logger, settings Settings, registry Registry, dispatcher Dispatcher, q Queue, devices Devices, opts ...Option) *Reconciler {
	r := &Reconciler{
		log:        log.With().Str("component", "reconcile").Logger(),
		settings:   settings,
		registry:   registry,
		dispatcher: dispatcher,
		queue:      q,
		devices:    devices,
		now:        time.Now,
	}
	r.stale = LogStaleChecker{Log: r.log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweeps returns the sweeps for a Scheduler.
func (r *Reconciler) Sweeps() []Sweep {
	return []Sweep{
		{Name: SweepLiveness, Interval: r.settings.LivenessInterval, Run: r.RefreshLiveness},
		{Name: SweepStale, Interval: r.settings.StaleInterval, Run: r.RepairStale},
		{Name: SweepDrain, Interval: r.settings.DrainInterval, Run: r.DrainQueues},
		{Name: SweepRetention, Interval: r.settings.RetentionInterval, Run: r.EnforceRetention},
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// SWEEPS
// ═══════════════════════════════════════════════════════════════════════════

// RefreshLiveness re-stamps last_seen for every live device and retries
// liveness writes that failed earlier.
func (r *Reconciler) RefreshLiveness(ctx context.Context) error {
	var errs []error
	if _, err := r.registry.RetryPending(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, r.each(ctx, SweepLiveness, r.registry.LiveDevices(), r.registry.Refresh))
	return errors.Join(errs...)
}

// RepairStale brings stored liveness in line with the registry and reports
// devices that dropped off without a clean disconnect to the stale checker.
func (r *Reconciler) RepairStale(ctx context.Context) error {
	if _, err := r.registry.RetryPending(ctx); err != nil {
		r.log.Warn().Err(err).Msg("liveness retry failed")
	}

	devices, err := r.devices.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("stale sweep: %w", err)
	}
	byID := make(map[string]*fleet.Device, len(devices))
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}

	grace := r.now().Add(-r.settings.StaleGrace)
	return r.each(ctx, SweepStale, ids, func(ctx context.Context, id string) error {
		d := byID[id]
		live := r.registry.IsLive(id)
		switch {
		case d.Status == fleet.StateOnline && !live,
			d.Status == fleet.StateOffline && live:
			_, err := r.registry.RepairLiveness(ctx, id)
			return err
		case !live && !d.CleanDisconnect && !d.Maintenance &&
			!d.LastSeen.IsZero() && d.LastSeen.Before(grace):
			return r.stale.CheckStale(ctx, d)
		}
		return nil
	})
}

// DrainQueues returns stuck commands to the backlog and drains every live
// device.
func (r *Reconciler) DrainQueues(ctx context.Context) error {
	var errs []error

	stuck, err := r.queue.DevicesWithDispatched(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, r.each(ctx, SweepDrain, stuck, func(ctx context.Context, id string) error {
		_, err := r.dispatcher.RepairStuck(ctx, id, r.settings.AckTimeout)
		return err
	}))

	errs = append(errs, r.each(ctx, SweepDrain, r.registry.LiveDevices(), func(ctx context.Context, id string) error {
		res, err := r.dispatcher.Drain(ctx, id)
		if len(res.Delivered) > 0 {
			r.log.Info().Str("device", id).Int("delivered", len(res.Delivered)).Msg("sweep delivered missed backlog")
		}
		return err
	}))
	return errors.Join(errs...)
}

// EnforceRetention purges execution records and finished commands older
// than the retention horizon.
func (r *Reconciler) EnforceRetention(ctx context.Context) error {
	res, err := r.queue.Purge(ctx, r.settings.RetentionHorizon)
	if res.Records > 0 || res.Commands > 0 {
		r.log.Info().
			Int64("records", res.Records).
			Int64("commands", res.Commands).
			Dur("horizon", r.settings.RetentionHorizon).
			Msg("retention purge complete")
	}
	if err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	return nil
}

// each runs fn for every device. A failing or panicking device is logged
// and skipped; the remaining devices are still processed.
func (r *Reconciler) each(ctx context.Context, sweep string, ids []string, fn func(context.Context, string) error) error {
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.unit(ctx, sweep, id, fn); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) unit(ctx context.Context, sweep, id string, fn func(context.Context, string) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Str("sweep", sweep).
				Str("device", id).
				Msg("sweep unit panicked")
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if err = fn(ctx, id); err != nil {
		r.log.Warn().Err(err).Str("sweep", sweep).Str("device", id).Msg("sweep unit failed")
	}
	return err
}
