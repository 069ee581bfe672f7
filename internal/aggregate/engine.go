// Package aggregate turns fresh datasource snapshots into consensus prices and drives the
// per-source outlier alerts.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-health-alerts/internal/alerts"
	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/stats"
	"oracle-health-alerts/internal/storage"
)

// Origin tags rollup hits produced by the engine.
const Origin = "aggregate"

// Store is the persistence the engine reads and appends to.
type Store interface {
	storage.SnapshotStore
	storage.AggregateStore
}

// Directory resolves the configured sources of a pair and the admin recipients.
type Directory interface {
	SourcesFor(ctx context.Context, pair storage.PairKey) ([]storage.DatasourcePair, error)
	Admins(ctx context.Context) ([]storage.Recipient, error)
}

// Recorder receives one rollup hit per evaluated source.
type Recorder interface {
	Record(ctx context.Context, at time.Time, hit storage.RollupHit) error
}

// Publisher mirrors written aggregates to a downstream consumer.
type Publisher interface {
	PublishAggregate(ctx context.Context, agg storage.PriceAggregate) error
}

// Sample is the newest fresh observation of one source, classified against the median.
type Sample struct {
	Source     string
	Price      decimal.Decimal
	ObservedAt time.Time
	RunID      int64
	DevPct     decimal.Decimal
}

// Result describes one pair evaluation.
type Result struct {
	Pair      storage.PairKey
	Median    decimal.Decimal
	Mean      decimal.Decimal
	Used      []Sample
	Outliers  []Sample
	QuorumMet bool
	Written   bool
}

// SourceCount is the number of sources that had a fresh sample.
func (r Result) SourceCount() int { return len(r.Used) + len(r.Outliers) }

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the evaluation clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher mirrors written aggregates.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// Engine computes per-pair consensus values.
type Engine struct {
	store      Store
	directory  Directory
	alerts     *alerts.Manager
	recorder   Recorder
	publisher  Publisher
	thresholds config.Thresholds
	outlierPct decimal.Decimal
	now        func() time.Time
	logger     zerolog.Logger
}

// New constructs an Engine.
func New(store Store, directory Directory, manager *alerts.Manager, recorder Recorder, thresholds config.Thresholds, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		directory:  directory,
		alerts:     manager,
		recorder:   recorder,
		thresholds: thresholds,
		outlierPct: decimal.NewFromFloat(thresholds.OutlierPct),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("component", "aggregate").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AggregatePair evaluates the fresh snapshots of pair for runID. A pair without fresh data is
// left untouched. Alert and rollup failures are joined into the returned error after every
// source has been handled.
func (e *Engine) AggregatePair(ctx context.Context, runID int64, pair storage.PairKey) (Result, error) {
	res := Result{Pair: pair}
	now := e.now()

	snaps, err := e.store.FreshDatasourceSnapshots(ctx, pair, now.Add(-e.thresholds.Freshness()))
	if err != nil {
		return res, fmt.Errorf("load fresh snapshots for %s: %w", pair, err)
	}
	samples := newestPerSource(snaps)
	if len(samples) == 0 {
		e.logger.Debug().Str("pair", pair.String()).Msg("no fresh snapshots")
		return res, nil
	}

	prices := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		prices[i] = s.Price
	}
	median, ok := stats.Median(prices)
	if !ok || !median.IsPositive() {
		e.logger.Warn().Str("pair", pair.String()).Str("median", median.String()).Msg("non-positive median; pair skipped")
		return res, nil
	}
	res.Median = median

	for _, s := range samples {
		s.DevPct, _ = stats.PctDiff(s.Price, median)
		if s.DevPct.GreaterThan(e.outlierPct) {
			res.Outliers = append(res.Outliers, s)
		} else {
			res.Used = append(res.Used, s)
		}
	}

	var errs []error
	res.QuorumMet = len(res.Used) >= e.thresholds.QuorumMinUsed
	if res.QuorumMet {
		if err := e.write(ctx, runID, &res); err != nil {
			errs = append(errs, err)
		}
	} else {
		e.logger.Warn().
			Str("pair", pair.String()).
			Int("used", len(res.Used)).
			Int("needed", e.thresholds.QuorumMinUsed).
			Msg("insufficient quorum after outlier filter")
	}

	if err := e.driveOutlierAlerts(ctx, runID, &res); err != nil {
		errs = append(errs, err)
	}
	if err := e.recordHits(ctx, runID, now, &res); err != nil {
		errs = append(errs, err)
	}

	if len(res.Outliers) > 0 {
		ev := e.logger.Warn().Str("pair", pair.String())
		for _, o := range res.Outliers {
			ev = ev.Str("outlier_"+o.Source, o.DevPct.StringFixed(6))
		}
		ev.Msg("outliers dropped")
	}
	return res, errors.Join(errs...)
}

func (e *Engine) write(ctx context.Context, runID int64, res *Result) error {
	used := make([]decimal.Decimal, len(res.Used))
	start, end := res.Used[0].ObservedAt, res.Used[0].ObservedAt
	for i, s := range res.Used {
		used[i] = s.Price
		if s.ObservedAt.Before(start) {
			start = s.ObservedAt
		}
		if s.ObservedAt.After(end) {
			end = s.ObservedAt
		}
	}
	res.Mean, _ = stats.Mean(used)

	discarded := make([]string, len(res.Outliers))
	for i, o := range res.Outliers {
		discarded[i] = o.Source
	}

	agg := storage.PriceAggregate{
		RunID:            runID,
		Pair:             res.Pair,
		WindowStart:      start,
		WindowEnd:        end,
		Median:           res.Median,
		Mean:             res.Mean,
		SourceCount:      res.SourceCount(),
		UsedCount:        len(res.Used),
		DiscardedSources: discarded,
	}
	inserted, err := e.store.InsertAggregate(ctx, agg)
	if err != nil {
		return fmt.Errorf("insert aggregate for %s: %w", res.Pair, err)
	}
	if !inserted {
		e.logger.Debug().Str("pair", res.Pair.String()).Int64("run_id", runID).Msg("aggregate already recorded for run")
		return nil
	}
	res.Written = true
	e.logger.Info().
		Str("pair", res.Pair.String()).
		Int64("run_id", runID).
		Str("median", res.Median.String()).
		Str("mean", res.Mean.StringFixed(8)).
		Int("used", len(res.Used)).
		Int("sources", agg.SourceCount).
		Msg("aggregate written")

	if e.publisher != nil {
		if err := e.publisher.PublishAggregate(ctx, agg); err != nil {
			e.logger.Warn().Err(err).Str("pair", res.Pair.String()).Msg("publish aggregate failed")
		}
	}
	return nil
}

// driveOutlierAlerts opens OUTLIER:<source> for each admin when the source is an outlier this
// run and resolves it otherwise. Every configured source is visited, fresh or not.
func (e *Engine) driveOutlierAlerts(ctx context.Context, runID int64, res *Result) error {
	mapped, err := e.directory.SourcesFor(ctx, res.Pair)
	if err != nil {
		return fmt.Errorf("sources for %s: %w", res.Pair, err)
	}
	admins, err := e.directory.Admins(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}
	if len(admins) == 0 {
		return nil
	}

	outliers := make(map[string]Sample, len(res.Outliers))
	for _, o := range res.Outliers {
		outliers[o.Source] = o
	}
	sources := make([]string, 0, len(mapped)+len(outliers))
	seen := make(map[string]struct{}, len(mapped))
	for _, m := range mapped {
		if _, dup := seen[m.Source]; !dup {
			seen[m.Source] = struct{}{}
			sources = append(sources, m.Source)
		}
	}
	for src := range outliers {
		if _, dup := seen[src]; !dup {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)

	var errs []error
	for _, src := range sources {
		o, isOutlier := outliers[src]
		for _, admin := range admins {
			key := storage.AlertKey{RecipientID: admin.ID, Pair: res.Pair, AlertType: alerts.OutlierType(src)}
			if !isOutlier {
				if _, err := e.alerts.Resolve(ctx, key, nil); err != nil {
					errs = append(errs, fmt.Errorf("resolve %s: %w", key.AlertType, err))
				}
				continue
			}
			msg := fmt.Sprintf("Source %s deviated %s%% from the median (limit %s%%).",
				src, o.DevPct.Shift(2).StringFixed(2), e.outlierPct.Shift(2).StringFixed(2))
			payload := alerts.Payload{Outlier: &alerts.OutlierDetail{
				RunID:     runID,
				Price:     o.Price,
				Median:    res.Median,
				DevPct:    o.DevPct,
				Threshold: e.outlierPct,
			}}
			if _, err := e.alerts.OpenOrRefresh(ctx, key, alerts.SeverityWarning, msg, payload); err != nil {
				errs = append(errs, fmt.Errorf("open %s: %w", key.AlertType, err))
			}
		}
	}
	return errors.Join(errs...)
}

// recordHits bumps an ok or outlier hit per evaluated source. These hits never mark the row open;
// open_at_end belongs to the stall detector.
func (e *Engine) recordHits(ctx context.Context, runID int64, at time.Time, res *Result) error {
	var errs []error
	bump := func(s Sample, kind storage.HitKind) {
		dev, median, price := s.DevPct, res.Median, s.Price
		hit := storage.RollupHit{
			Kind:     storage.KindDatasource,
			Pair:     res.Pair,
			EntityID: s.Source,
			Hit:      kind,
			Origin:   Origin,
			DevPct:   &dev,
			Median:   &median,
			Price:    &price,
			RunID:    runID,
		}
		if err := e.recorder.Record(ctx, at, hit); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range res.Used {
		bump(s, storage.HitOK)
	}
	for _, s := range res.Outliers {
		bump(s, storage.HitOutlier)
	}
	return errors.Join(errs...)
}

// newestPerSource keeps the most recent snapshot of every source, ordered by source id.
func newestPerSource(snaps []storage.Snapshot) []Sample {
	latest := make(map[string]storage.Snapshot, len(snaps))
	for _, s := range snaps {
		cur, ok := latest[s.EntityID]
		if !ok || s.ObservedAt.After(cur.ObservedAt) || (s.ObservedAt.Equal(cur.ObservedAt) && s.RunID > cur.RunID) {
			latest[s.EntityID] = s
		}
	}
	out := make([]Sample, 0, len(latest))
	for src, s := range latest {
		out = append(out, Sample{Source: src, Price: s.Price, ObservedAt: s.ObservedAt, RunID: s.RunID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
