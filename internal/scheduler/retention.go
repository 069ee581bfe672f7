package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner deletes snapshots observed before cutoff.
type Pruner interface {
	PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention runs snapshot pruning on a cron schedule (seconds field required).
// Overlapping firings are skipped.
type Retention struct {
	cron    *cron.Cron
	pruner  Pruner
	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewRetention validates the schedule and registers the job. The cron is not started.
func NewRetention(ctx context.Context, schedule string, maxAge time.Duration, pruner Pruner, logger zerolog.Logger) (*Retention, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	r := &Retention{
		pruner:  pruner,
		maxAge:  maxAge,
		timeout: 10 * time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "retention").Logger(),
	}
	cl := cronLogger{logger: r.logger}
	r.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := r.cron.AddFunc(schedule, func() {
		rctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if _, err := r.RunOnce(rctx); err != nil {
			r.logger.Error().Err(err).Msg("snapshot pruning failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

// RunOnce prunes snapshots older than the configured age.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	removed, err := r.pruner.PruneSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	r.logger.Info().Time("cutoff", cutoff).Int64("removed", removed).Msg("snapshots pruned")
	return removed, nil
}

// Start begins firing the schedule.
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running job.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
