package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per sweep.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	// RunImmediately fires the first tick right after the startup delay instead of one
	// interval later.
	RunImmediately bool
}

// Scheduler drives periodic sweeps. At most one tick runs at a time and the wait after a tick
// is shortened by the time the tick took, so a slow sweep does not push the cadence out.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
	running atomic.Bool
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking tick every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	delay := s.opts.Interval
	if s.opts.RunImmediately {
		delay = 0
	}
	for {
		if delay > 0 {
			s.logger.Debug().Dur("delay", delay).Msg("waiting for next sweep")
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}

		started := s.now()
		if _, err := s.TryRun(ctx, tick); err != nil {
			s.logger.Error().Err(err).Time("started", started).Msg("sweep failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay = NextDelay(s.opts.Interval, s.now().Sub(started))
	}
}

// TryRun invokes tick unless another tick is in flight, in which case it reports false.
func (s *Scheduler) TryRun(ctx context.Context, tick TickFunc) (bool, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("previous sweep still running; tick skipped")
		return false, nil
	}
	defer s.running.Store(false)

	at := s.now()
	s.logger.Info().Time("at", at).Msg("executing scheduled sweep")
	return true, tick(ctx, at)
}

// Running reports whether a tick is in flight.
func (s *Scheduler) Running() bool { return s.running.Load() }

// NextDelay is the wait before the next tick: the interval minus the time the last tick took,
// or zero when the tick overran.
func NextDelay(interval, elapsed time.Duration) time.Duration {
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
