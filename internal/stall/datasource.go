package stall

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/alerts"
	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/stats"
	"oracle-health-alerts/internal/storage"
)

// DatasourceOrigin tags rollup hits from the datasource detector.
const DatasourceOrigin = "ds_stall"

// DatasourceDirectory resolves sources, admins and labels.
type DatasourceDirectory interface {
	SourcesFor(ctx context.Context, pair storage.PairKey) ([]storage.DatasourcePair, error)
	Admins(ctx context.Context) ([]storage.Recipient, error)
	LabelFor(pair storage.PairKey) string
}

// DatasourceDetector flags sources whose price holds while the datasource market moves.
type DatasourceDetector struct {
	store     Store
	directory DatasourceDirectory
	alerts    *alerts.Manager
	recorder  Recorder
	test      flatTest
	hyst      Hysteresis
	opts      options
	logger    zerolog.Logger
}

// NewDatasourceDetector constructs the datasource detector.
func NewDatasourceDetector(store Store, directory DatasourceDirectory, manager *alerts.Manager, recorder Recorder, th config.Thresholds, logger zerolog.Logger, opts ...Option) *DatasourceDetector {
	return &DatasourceDetector{
		store:     store,
		directory: directory,
		alerts:    manager,
		recorder:  recorder,
		test:      newFlatTest(store, th),
		hyst:      Hysteresis{OpenAfter: th.StallOpenConsec, ClearAfter: th.StallClearConsec},
		opts:      buildOptions(opts),
		logger:    logger.With().Str("component", "ds_stall").Logger(),
	}
}

// DetectPair evaluates every configured source of pair. A failing source is logged and the
// rest are still evaluated.
func (d *DatasourceDetector) DetectPair(ctx context.Context, runID int64, pair storage.PairKey) ([]Evaluation, error) {
	mapped, err := d.directory.SourcesFor(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("sources for %s: %w", pair, err)
	}
	seen := make(map[string]struct{}, len(mapped))
	out := make([]Evaluation, 0, len(mapped))
	var errs []error
	for _, m := range mapped {
		if _, dup := seen[m.Source]; dup {
			continue
		}
		seen[m.Source] = struct{}{}
		ev, err := d.Evaluate(ctx, runID, pair, m.Source)
		if err != nil {
			d.logger.Error().Err(err).Str("pair", pair.String()).Str("source", m.Source).Msg("datasource stall evaluation failed")
			errs = append(errs, err)
			continue
		}
		out = append(out, ev)
	}
	return out, errors.Join(errs...)
}

// Evaluate runs one (pair, source) evaluation for runID.
func (d *DatasourceDetector) Evaluate(ctx context.Context, runID int64, pair storage.PairKey, source string) (Evaluation, error) {
	ev := Evaluation{Kind: storage.KindDatasource, Pair: pair, EntityID: source}

	snaps, err := d.store.LatestSnapshots(ctx, storage.KindDatasource, pair, source, SampleCount)
	if err != nil {
		return ev, fmt.Errorf("latest snapshots %s/%s: %w", pair, source, err)
	}
	m, ok, err := d.test.measure(ctx, pair, snaps)
	if err != nil {
		return ev, err
	}
	if !ok {
		d.logger.Debug().Str("pair", pair.String()).Str("source", source).Msg("not enough history")
		return ev, nil
	}
	ev.Evaluated, ev.Bad, ev.Measurement = true, m.Stalled, &m
	if m.Stalled {
		ev.Reason = ReasonFlat
	}

	prev, found, err := loadState(ctx, d.store, storage.KindDatasource, pair, source)
	if err != nil {
		return ev, err
	}
	ev.Step = d.hyst.Apply(prev, found, m.Stalled, runID)
	if ev.Step.Replayed {
		return ev, nil
	}
	if err := d.store.UpsertStallState(ctx, ev.Step.Next); err != nil {
		return ev, fmt.Errorf("save stall state %s/%s: %w", pair, source, err)
	}

	var errs []error
	hit := rollupHit(storage.KindDatasource, pair, source, DatasourceOrigin, runID, m.Stalled, ev.Step.Next.IsOpen(), &m)
	if err := d.recorder.Record(ctx, d.opts.now(), hit); err != nil {
		errs = append(errs, err)
	}
	if err := d.driveAlerts(ctx, runID, ev); err != nil {
		errs = append(errs, err)
	}
	return ev, errors.Join(errs...)
}

func (d *DatasourceDetector) driveAlerts(ctx context.Context, runID int64, ev Evaluation) error {
	next := ev.Step.Next
	opening := next.IsOpen() && ev.Bad
	clearing := ev.Step.Transition == TransitionCleared
	if !opening && !clearing {
		return nil
	}

	admins, err := d.directory.Admins(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}
	m := ev.Measurement
	alertType := alerts.DatasourceStallType(ev.EntityID)
	var errs []error
	for _, admin := range admins {
		key := storage.AlertKey{RecipientID: admin.ID, Pair: ev.Pair, AlertType: alertType}
		if clearing {
			dev, span := m.DevPct, m.SpanSec()
			resolution := alerts.Payload{Resolution: &alerts.ResolutionDetail{
				ResolvedRunID: runID,
				ResolvedAt:    d.opts.now(),
				LastDevPct:    &dev,
				LastSpanSec:   &span,
			}}
			if _, err := d.alerts.Resolve(ctx, key, &resolution); err != nil {
				errs = append(errs, fmt.Errorf("resolve %s: %w", alertType, err))
			}
			continue
		}

		msg := fmt.Sprintf("Source %s appears stalled for %s over ~%s; market moved %s.",
			ev.EntityID, d.directory.LabelFor(ev.Pair), stats.FormatSpan(m.Span), stats.FormatPct(m.MarketMovePct))
		payload := alerts.Payload{Stall: &alerts.StallDetail{
			RunID:         runID,
			StalledPrice:  m.Price,
			MedianNow:     m.MedianNow,
			DevPct:        m.DevPct,
			FlatPct:       m.FlatPct,
			MarketMovePct: m.MarketMovePct,
			SpanSec:       m.SpanSec(),
			ConsecBad:     next.ConsecBad,
		}}
		if _, err := d.alerts.OpenOrRefresh(ctx, key, alerts.SeverityWarning, msg, payload); err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", alertType, err))
		}
	}
	if ev.Step.Transition != TransitionNone {
		d.logger.Info().
			Str("pair", ev.Pair.String()).
			Str("source", ev.EntityID).
			Stringer("transition", ev.Step.Transition).
			Int("consec_bad", next.ConsecBad).
			Int("consec_good", next.ConsecGood).
			Msg("datasource stall state changed")
	}
	return errors.Join(errs...)
}
