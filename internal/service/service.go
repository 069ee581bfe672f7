// Package service runs the sweep pipeline: fetch, aggregate, detect stalls, digest and
// summarize, all under one ingest run.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/aggregate"
	"oracle-health-alerts/internal/alerts"
	"oracle-health-alerts/internal/fetcher"
	"oracle-health-alerts/internal/metrics"
	"oracle-health-alerts/internal/runs"
	"oracle-health-alerts/internal/scheduler"
	"oracle-health-alerts/internal/stall"
	"oracle-health-alerts/internal/storage"
	"oracle-health-alerts/internal/summary"
)

// Registry is the per-sweep view of tracked pairs.
type Registry interface {
	Reset()
	ActivePairs(ctx context.Context) ([]storage.Pair, error)
}

// Fetcher produces snapshots for the active pairs.
type Fetcher interface {
	FetchAll(ctx context.Context, runID int64, active []storage.Pair) (fetcher.FetchStats, error)
}

// Aggregator evaluates one pair's fresh datasource prices.
type Aggregator interface {
	AggregatePair(ctx context.Context, runID int64, pair storage.PairKey) (aggregate.Result, error)
}

// Detector evaluates stall state for every entity of a pair.
type Detector interface {
	DetectPair(ctx context.Context, runID int64, pair storage.PairKey) ([]stall.Evaluation, error)
}

// Summarizer dispatches summaries for closed windows.
type Summarizer interface {
	DispatchDue(ctx context.Context) ([]summary.Decision, error)
}

// Digester sends the per-run admin digest.
type Digester interface {
	Send(ctx context.Context, runID int64, opened []storage.AlertRecord) (int, error)
}

// Components are the collaborators of one sweep. Fetchers, Digest, Journal, Metrics and
// Locker are optional.
type Components struct {
	Runs            *runs.Ledger
	Registry        Registry
	Datasources     Fetcher
	Oracles         Fetcher
	Aggregator      Aggregator
	DatasourceStall Detector
	OracleStall     Detector
	Summary         Summarizer
	Digest          Digester
	Journal         *alerts.Journal
	Metrics         *metrics.Metrics
	Locker          storage.AdvisoryLocker
}

// Options tune the sweep.
type Options struct {
	RunLabel  string
	LockKey   int64
	Workers   int
	RunDigest bool
}

// Report summarises one sweep.
type Report struct {
	RunID           int64
	Pairs           int
	Datasources     fetcher.FetchStats
	Oracles         fetcher.FetchStats
	Aggregates      int
	Outliers        int
	DatasourceEvals int
	OracleEvals     int
	Digests         int
	Decisions       []summary.Decision
	Skipped         bool
}

// Service orchestrates the sweep pipeline on a schedule.
type Service struct {
	opts      Options
	c         Components
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger
}

// New constructs the monitoring service. sched may be nil for one-shot use.
func New(opts Options, c Components, sched *scheduler.Scheduler, logger zerolog.Logger) *Service {
	if opts.RunLabel == "" {
		opts.RunLabel = "sweep"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Service{
		opts:      opts,
		c:         c,
		scheduler: sched,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := s.Sweep(ctx)
		return err
	})
}

// Sweep runs one pipeline pass unless another process holds the advisory lock.
func (s *Service) Sweep(ctx context.Context) (Report, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Report{}, err
	}
	if !proceed {
		s.logger.Info().Msg("skip sweep because advisory lock held elsewhere")
		s.c.Metrics.SweepSkipped()
		return Report{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	var report Report
	err = s.c.Runs.WithRun(ctx, s.opts.RunLabel, func(ctx context.Context, run *runs.Run) error {
		report.RunID = run.ID
		return s.execute(ctx, run.ID, &report)
	})
	s.c.Metrics.ObserveSweep(time.Since(started), err)

	s.logger.Info().
		Int64("run_id", report.RunID).
		Int("pairs", report.Pairs).
		Int64("ds_prices", report.Datasources.Prices).
		Int64("ds_errors", report.Datasources.Errors).
		Int64("oracle_prices", report.Oracles.Prices).
		Int64("oracle_errors", report.Oracles.Errors).
		Int("aggregates", report.Aggregates).
		Int("outliers", report.Outliers).
		Int("digests", report.Digests).
		Int("summaries", len(report.Decisions)).
		Dur("elapsed", time.Since(started)).
		Msg("sweep finished")
	return report, err
}

func (s *Service) execute(ctx context.Context, runID int64, report *Report) error {
	s.c.Registry.Reset()
	if s.c.Journal != nil {
		s.c.Journal.Drain()
	}

	active, err := s.c.Registry.ActivePairs(ctx)
	if err != nil {
		return fmt.Errorf("active pairs: %w", err)
	}
	report.Pairs = len(active)

	var errs []error
	if s.c.Datasources != nil {
		st, err := s.c.Datasources.FetchAll(ctx, runID, active)
		report.Datasources = st
		s.c.Metrics.ObserveFetch(storage.KindDatasource, st.Prices, st.Errors)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch datasources: %w", err))
		}
	}
	if s.c.Oracles != nil {
		st, err := s.c.Oracles.FetchAll(ctx, runID, active)
		report.Oracles = st
		s.c.Metrics.ObserveFetch(storage.KindOracle, st.Prices, st.Errors)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch oracles: %w", err))
		}
	}
	if ctx.Err() != nil {
		return errors.Join(append(errs, ctx.Err())...)
	}

	s.evaluatePairs(ctx, runID, active, report)

	if s.opts.RunDigest && s.c.Digest != nil && s.c.Journal != nil {
		n, err := s.c.Digest.Send(ctx, runID, s.c.Journal.Drain())
		report.Digests = n
		if err != nil {
			s.logger.Warn().Err(err).Int64("run_id", runID).Msg("run digest incomplete")
		}
	}

	if s.c.Summary != nil {
		decisions, err := s.c.Summary.DispatchDue(ctx)
		report.Decisions = decisions
		for _, d := range decisions {
			s.c.Metrics.Summary(d.Audience, string(d.Outcome))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("summary dispatch: %w", err))
		}
	}
	return errors.Join(errs...)
}

// evaluatePairs runs aggregation then both stall detectors for every pair. Pairs are
// independent and run on a bounded pool; an error on one pair is logged and never skips others.
func (s *Service) evaluatePairs(ctx context.Context, runID int64, active []storage.Pair, report *Report) {
	var mu sync.Mutex
	pool := pond.NewPool(s.opts.Workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, p := range active {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			res, dsEvals, orEvals := s.evaluatePair(groupCtx, runID, p.Key)

			mu.Lock()
			defer mu.Unlock()
			if res.Written {
				report.Aggregates++
				s.c.Metrics.AggregateWritten()
			}
			report.Outliers += len(res.Outliers)
			report.DatasourceEvals += dsEvals
			report.OracleEvals += orEvals
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn().Err(err).Msg("pair evaluation group ended with error")
	}
}

func (s *Service) evaluatePair(ctx context.Context, runID int64, pair storage.PairKey) (aggregate.Result, int, int) {
	log := s.logger.With().Int64("run_id", runID).Str("pair", pair.String()).Logger()

	res, err := s.c.Aggregator.AggregatePair(ctx, runID, pair)
	if err != nil {
		log.Error().Err(err).Msg("aggregation failed")
	}
	var dsEvals, orEvals int
	if s.c.DatasourceStall != nil {
		evs, err := s.c.DatasourceStall.DetectPair(ctx, runID, pair)
		if err != nil {
			log.Error().Err(err).Msg("datasource stall detection failed")
		}
		dsEvals = len(evs)
	}
	if s.c.OracleStall != nil {
		evs, err := s.c.OracleStall.DetectPair(ctx, runID, pair)
		if err != nil {
			log.Error().Err(err).Msg("oracle stall detection failed")
		}
		orEvals = len(evs)
	}
	return res, dsEvals, orEvals
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.c.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.c.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
