package stall

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/stats"
	"oracle-health-alerts/internal/storage"
)

// SampleCount is the number of recent snapshots a flat-vs-market test looks at.
const SampleCount = 3

// Store is the persistence shared by both detectors.
type Store interface {
	storage.SnapshotStore
	storage.StallStateStore
}

// Recorder receives one rollup hit per evaluation.
type Recorder interface {
	Record(ctx context.Context, at time.Time, hit storage.RollupHit) error
}

// Courier delivers realtime messages.
type Courier interface {
	Deliver(ctx context.Context, r storage.Recipient, messages ...string) error
}

// Reason explains a bad evaluation.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonFlat       Reason = "flat_vs_market"
	ReasonInactivity Reason = "inactivity"
)

// Measurement is the outcome of the flat-vs-market test over the last samples.
type Measurement struct {
	Span          time.Duration
	FlatPct       decimal.Decimal
	MarketMovePct decimal.Decimal
	// Price is the mean of the sampled prices.
	Price decimal.Decimal
	// MedianNow is the datasource median at the newest sample's run.
	MedianNow decimal.Decimal
	DevPct    decimal.Decimal
	Stalled   bool
}

// SpanSec returns the span in whole seconds.
func (m Measurement) SpanSec() int64 { return int64(m.Span / time.Second) }

// Evaluation is the per-entity result of one detector pass.
type Evaluation struct {
	Kind     storage.EntityKind
	Pair     storage.PairKey
	EntityID string
	// Evaluated is false when there was not enough history to judge.
	Evaluated   bool
	Bad         bool
	Reason      Reason
	Measurement *Measurement
	LastSeenAt  *time.Time
	Step        Step
}

type options struct {
	now     func() time.Time
	courier Courier
}

// Option configures a detector.
type Option func(*options)

// WithClock overrides the evaluation clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCourier enables realtime delivery where the detector supports it.
func WithCourier(c Courier) Option {
	return func(o *options) { o.courier = c }
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// flatTest compares an entity's own movement with the datasource market.
type flatTest struct {
	store     storage.SnapshotStore
	flatPct   decimal.Decimal
	marketPct decimal.Decimal
	minSpan   time.Duration
}

func newFlatTest(store storage.SnapshotStore, th config.Thresholds) flatTest {
	return flatTest{
		store:     store,
		flatPct:   decimal.NewFromFloat(th.StallFlatPct),
		marketPct: decimal.NewFromFloat(th.StallMarketMovePct),
		minSpan:   th.MinSpan(),
	}
}

// measure runs the test over snaps (newest first). The bool is false when the samples are too
// few, span too little time, or the market basis is missing at either bounding run.
func (f flatTest) measure(ctx context.Context, pair storage.PairKey, snaps []storage.Snapshot) (Measurement, bool, error) {
	if len(snaps) < SampleCount {
		return Measurement{}, false, nil
	}
	snaps = snaps[:SampleCount]
	newest, oldest := snaps[0], snaps[len(snaps)-1]

	first, last := snaps[0].ObservedAt, snaps[0].ObservedAt
	prices := make([]decimal.Decimal, len(snaps))
	for i, s := range snaps {
		prices[i] = s.Price
		if s.ObservedAt.Before(first) {
			first = s.ObservedAt
		}
		if s.ObservedAt.After(last) {
			last = s.ObservedAt
		}
	}
	span := last.Sub(first)
	if span < f.minSpan {
		return Measurement{}, false, nil
	}
	flat, ok := stats.FlatRange(prices)
	if !ok {
		flat = decimal.Zero
	}

	byRun, err := f.store.DatasourcePricesForRuns(ctx, pair, []int64{oldest.RunID, newest.RunID})
	if err != nil {
		return Measurement{}, false, fmt.Errorf("market prices for %s: %w", pair, err)
	}
	medEarly, okEarly := stats.Median(byRun[oldest.RunID])
	medLate, okLate := stats.Median(byRun[newest.RunID])
	if !okEarly || !okLate {
		return Measurement{}, false, nil
	}
	market, ok := stats.PctDiff(medLate, medEarly)
	if !ok {
		return Measurement{}, false, nil
	}

	price, _ := stats.Mean(prices)
	dev, _ := stats.PctDiff(price, medLate)
	return Measurement{
		Span:          span,
		FlatPct:       flat,
		MarketMovePct: market,
		Price:         price,
		MedianNow:     medLate,
		DevPct:        dev,
		Stalled:       flat.LessThanOrEqual(f.flatPct) && market.GreaterThanOrEqual(f.marketPct),
	}, true, nil
}

// loadState returns the stored state or a fresh one keyed for the entity.
func loadState(ctx context.Context, store storage.StallStateStore, kind storage.EntityKind, pair storage.PairKey, entityID string) (storage.StallState, bool, error) {
	state, found, err := store.GetStallState(ctx, kind, pair, entityID)
	if err != nil {
		return storage.StallState{}, false, fmt.Errorf("load %s stall state %s/%s: %w", kind, pair, entityID, err)
	}
	if !found {
		state = storage.StallState{Kind: kind, Pair: pair, EntityID: entityID, Status: storage.StallOK}
	}
	return state, found, nil
}

func rollupHit(kind storage.EntityKind, pair storage.PairKey, entityID, origin string, runID int64, bad, open bool, m *Measurement) storage.RollupHit {
	hit := storage.RollupHit{
		Kind:     kind,
		Pair:     pair,
		EntityID: entityID,
		Hit:      storage.HitOK,
		Origin:   origin,
		Open:     open,
		RunID:    runID,
	}
	if bad {
		hit.Hit = storage.HitStalled
	}
	if m != nil {
		dev, median, price := m.DevPct, m.MedianNow, m.Price
		span := decimal.NewFromInt(m.SpanSec())
		hit.DevPct, hit.Median, hit.Price, hit.SpanSec = &dev, &median, &price, &span
	}
	return hit
}
