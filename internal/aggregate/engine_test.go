package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/alerts"
	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/registry"
	"oracle-health-alerts/internal/rollup"
	"oracle-health-alerts/internal/storage"
	"oracle-health-alerts/internal/storage/memstore"
)

var (
	testPair = storage.NewPairKey(1, "0xFEED")
	testNow  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	store  *memstore.Store
	engine *Engine
	pub    *capturePublisher
}

type capturePublisher struct {
	got []storage.PriceAggregate
	err error
}

func (c *capturePublisher) PublishAggregate(_ context.Context, agg storage.PriceAggregate) error {
	c.got = append(c.got, agg)
	return c.err
}

func newFixture(t *testing.T, th config.Thresholds, sources ...string) *fixture {
	t.Helper()
	clock := func() time.Time { return testNow }
	store := memstore.NewWithClock(clock)
	store.AddPair(storage.Pair{Key: testPair, Label: "ETH/USD", Active: true})
	for _, src := range sources {
		store.MapSource(src, testPair, src+"-id")
	}
	store.AddRecipient(storage.Recipient{ID: "admin", IsAdmin: true, AcceptsNotifications: true})

	logger := zerolog.Nop()
	policy := rollup.Policy{Size: 4 * time.Hour, SkipPartial: true, MinEvalsOracle: 2, MinEvalsDatasource: 2, Lookback: 2}
	pub := &capturePublisher{}
	engine := New(
		store,
		registry.New(store),
		alerts.NewManager(store, logger, alerts.WithClock(clock)),
		rollup.NewRecorder(store, policy, logger),
		th,
		logger,
		WithClock(clock),
		WithPublisher(pub),
	)
	return &fixture{store: store, engine: engine, pub: pub}
}

func defaultThresholds() config.Thresholds {
	return config.Thresholds{
		OutlierPct:    0.05,
		FreshnessSec:  3600,
		QuorumMinUsed: 2,
	}
}

func (f *fixture) snapshot(t *testing.T, runID int64, source string, price string, age time.Duration) {
	t.Helper()
	require.NoError(t, f.store.InsertSnapshot(context.Background(), storage.KindDatasource, storage.Snapshot{
		RunID:      runID,
		Pair:       testPair,
		EntityID:   source,
		Price:      decimal.RequireFromString(price),
		ObservedAt: testNow.Add(-age),
	}))
}

func openAlerts(t *testing.T, store *memstore.Store) map[string]bool {
	t.Helper()
	recs, err := store.ListAlerts(context.Background(), storage.AlertFilter{OpenOnly: true})
	require.NoError(t, err)
	out := make(map[string]bool, len(recs))
	for _, r := range recs {
		out[r.Key.AlertType] = true
	}
	return out
}

func TestAggregateDropsOutlierAndWritesMean(t *testing.T) {
	f := newFixture(t, defaultThresholds(), "a", "b", "c", "d")
	f.snapshot(t, 1, "a", "100", 2*time.Minute)
	f.snapshot(t, 1, "b", "101", time.Minute)
	f.snapshot(t, 1, "c", "99", 3*time.Minute)
	f.snapshot(t, 1, "d", "150", time.Minute)

	res, err := f.engine.AggregatePair(context.Background(), 1, testPair)
	require.NoError(t, err)

	assert.True(t, res.Median.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, res.Mean.Equal(decimal.NewFromInt(100)), "mean %s", res.Mean)
	require.Len(t, res.Outliers, 1)
	assert.Equal(t, "d", res.Outliers[0].Source)
	assert.True(t, res.QuorumMet)
	assert.True(t, res.Written)

	aggs, err := f.store.ListAggregates(context.Background(), storage.AggregateFilter{})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 3, aggs[0].UsedCount)
	assert.Equal(t, 4, aggs[0].SourceCount)
	assert.Equal(t, []string{"d"}, aggs[0].DiscardedSources)
	assert.Equal(t, testNow.Add(-3*time.Minute), aggs[0].WindowStart)
	assert.Equal(t, testNow.Add(-time.Minute), aggs[0].WindowEnd)
	require.Len(t, f.pub.got, 1)

	open := openAlerts(t, f.store)
	assert.Equal(t, map[string]bool{"OUTLIER:d": true}, open)
}

func TestAggregateUsesNewestFreshSamplePerSource(t *testing.T) {
	f := newFixture(t, defaultThresholds(), "a", "b")
	f.snapshot(t, 1, "a", "50", 30*time.Minute)
	f.snapshot(t, 2, "a", "100", time.Minute)
	f.snapshot(t, 1, "b", "100", 2*time.Hour)
	f.snapshot(t, 2, "b", "102", 2*time.Minute)

	res, err := f.engine.AggregatePair(context.Background(), 2, testPair)
	require.NoError(t, err)
	assert.True(t, res.Median.Equal(decimal.NewFromInt(101)))
	assert.Len(t, res.Used, 2)
}

func TestAggregateQuorumFailureStillDrivesOutliers(t *testing.T) {
	th := defaultThresholds()
	th.QuorumMinUsed = 3
	f := newFixture(t, th, "a", "b", "c")
	f.snapshot(t, 1, "a", "100", time.Minute)
	f.snapshot(t, 1, "b", "100", time.Minute)
	f.snapshot(t, 1, "c", "200", time.Minute)

	res, err := f.engine.AggregatePair(context.Background(), 1, testPair)
	require.NoError(t, err)
	assert.False(t, res.QuorumMet)
	assert.False(t, res.Written)

	aggs, err := f.store.ListAggregates(context.Background(), storage.AggregateFilter{})
	require.NoError(t, err)
	assert.Empty(t, aggs)
	assert.Empty(t, f.pub.got)
	assert.True(t, openAlerts(t, f.store)["OUTLIER:c"])

	rows, err := f.store.ListRollups(context.Background(), rollup.WindowStart(testNow, 4*time.Hour), storage.KindDatasource)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		if row.EntityID == "c" {
			assert.Equal(t, 1, row.OutlierHits)
			assert.False(t, row.OpenAtEnd)
		} else {
			assert.Equal(t, 1, row.OKHits)
		}
	}
}

func TestAggregateResolvesOutlierOnceBackInTolerance(t *testing.T) {
	f := newFixture(t, defaultThresholds(), "a", "b", "c")
	f.snapshot(t, 1, "a", "100", 10*time.Minute)
	f.snapshot(t, 1, "b", "100", 10*time.Minute)
	f.snapshot(t, 1, "c", "130", 10*time.Minute)
	_, err := f.engine.AggregatePair(context.Background(), 1, testPair)
	require.NoError(t, err)
	require.True(t, openAlerts(t, f.store)["OUTLIER:c"])

	f.snapshot(t, 2, "c", "101", time.Minute)
	res, err := f.engine.AggregatePair(context.Background(), 2, testPair)
	require.NoError(t, err)
	assert.Empty(t, res.Outliers)
	assert.Empty(t, openAlerts(t, f.store))
}

func TestAggregateReplayKeepsFirstAggregate(t *testing.T) {
	f := newFixture(t, defaultThresholds(), "a", "b")
	f.snapshot(t, 1, "a", "100", time.Minute)
	f.snapshot(t, 1, "b", "102", time.Minute)

	first, err := f.engine.AggregatePair(context.Background(), 1, testPair)
	require.NoError(t, err)
	require.True(t, first.Written)

	f.snapshot(t, 1, "b", "104", 0)
	again, err := f.engine.AggregatePair(context.Background(), 1, testPair)
	require.NoError(t, err)
	assert.False(t, again.Written)

	aggs, err := f.store.ListAggregates(context.Background(), storage.AggregateFilter{})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.True(t, aggs[0].Median.Equal(decimal.NewFromInt(101)))

	rows, err := f.store.ListRollups(context.Background(), rollup.WindowStart(testNow, 4*time.Hour), storage.KindDatasource)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, 1, row.Evals(), "replayed run must not double count %s", row.EntityID)
	}
}

func TestAggregateWithoutFreshDataIsNoop(t *testing.T) {
	f := newFixture(t, defaultThresholds(), "a")
	f.snapshot(t, 1, "a", "100", 2*time.Hour)

	res, err := f.engine.AggregatePair(context.Background(), 1, testPair)
	require.NoError(t, err)
	assert.Zero(t, res.SourceCount())
	assert.False(t, res.Written)
}

func TestAggregatePublishFailureDoesNotFailPair(t *testing.T) {
	f := newFixture(t, defaultThresholds(), "a", "b")
	f.pub.err = errors.New("redis down")
	f.snapshot(t, 1, "a", "100", time.Minute)
	f.snapshot(t, 1, "b", "100", time.Minute)

	res, err := f.engine.AggregatePair(context.Background(), 1, testPair)
	require.NoError(t, err)
	assert.True(t, res.Written)
}
