// Package reconcile runs the periodic sweeps that correct drift between the
// session registry, the stored device state and the command queue.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/rs/zerolog"
)

// Sweep is one periodic job.
type Sweep struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// ErrRunning is returned by Start on a scheduler that is already running.
var ErrRunning = errors.New("scheduler already running")

// Scheduler owns one ticker goroutine per sweep.
type Scheduler struct {
	log    zerolog.Logger
	sweeps []Sweep

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates a scheduler for sweeps. Sweeps with a non-positive
// interval are only run through RunOnce.
func NewScheduler(log zerolog.Logger, sweeps ...Sweep) *Scheduler {
	return &Scheduler{
		log:    log.With().Str("component", "reconcile").Logger(),
		sweeps: sweeps,
	}
}

// Start launches the sweep loops. Sweeps run with ctx; Stop ends the loops
// without cancelling a sweep that is in flight.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.running = true
	s.stop = make(chan struct{})

	for _, sw := range s.sweeps {
		if sw.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, sw, s.stop)
	}
	s.log.Info().Int("sweeps", len(s.sweeps)).Msg("scheduler started")
	return nil
}

// Stop ends the sweep loops and waits for in-flight sweeps to finish, or
// for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// RunOnce runs the named sweep synchronously.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, sw := range s.sweeps {
		if sw.Name == name {
			return s.run(ctx, sw)
		}
	}
	return fmt.Errorf("sweep %q: %w", name, fleet.ErrNotFound)
}

func (s *Scheduler) loop(ctx context.Context, sw Sweep, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	s.log.Debug().Str("sweep", sw.Name).Dur("interval", sw.Interval).Msg("sweep loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_ = s.run(ctx, sw)
		}
	}
}

// run executes one sweep. Errors are logged here; a panic becomes an error.
func (s *Scheduler) run(ctx context.Context, sw Sweep) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("sweep", sw.Name).
				Msg("sweep panicked")
			err = fmt.Errorf("sweep %s: panic: %v", sw.Name, r)
		}
	}()

	err = sw.Run(ctx)
	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("sweep", sw.Name).Dur("took", time.Since(start)).Msg("sweep finished")
	return err
}
