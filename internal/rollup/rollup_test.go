package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/storage"
	"oracle-health-alerts/internal/storage/memstore"
)

var pair = storage.NewPairKey(1, "0xfeed")

func policy() Policy {
	return Policy{Size: 4 * time.Hour, SkipPartial: true, MinEvalsOracle: 2, MinEvalsDatasource: 2, Lookback: 2}
}

func TestWindowStartAlignsToEpoch(t *testing.T) {
	at := time.Date(2024, 3, 10, 13, 47, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), WindowStart(at, 4*time.Hour))
	assert.Equal(t, time.Date(2024, 3, 10, 13, 45, 0, 0, time.UTC), WindowStart(at, 15*time.Minute))

	boundary := time.Date(2024, 3, 10, 16, 0, 0, 0, time.UTC)
	assert.Equal(t, boundary, WindowStart(boundary, 4*time.Hour))
}

func TestRecordAccumulatesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	rec := NewRecorder(store, policy(), zerolog.Nop())
	at := time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)

	dev := decimal.RequireFromString("0.01")
	hits := []storage.RollupHit{
		{Kind: storage.KindDatasource, Pair: pair, EntityID: "binance", Hit: storage.HitOK, RunID: 1},
		{Kind: storage.KindDatasource, Pair: pair, EntityID: "binance", Hit: storage.HitStalled, Origin: "stall", RunID: 2, Open: true, DevPct: &dev},
		{Kind: storage.KindDatasource, Pair: pair, EntityID: "binance", Hit: storage.HitOK, RunID: 2},
	}
	for _, h := range hits {
		require.NoError(t, rec.Record(ctx, at, h))
	}
	// replay of run 2
	require.NoError(t, rec.Record(ctx, at, hits[1]))
	require.NoError(t, rec.Record(ctx, at, hits[2]))

	rows, err := store.ListRollups(ctx, WindowStart(at, 4*time.Hour), storage.KindDatasource)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, 2, row.OKHits)
	assert.Equal(t, 1, row.StalledHits)
	assert.Equal(t, int64(1), *row.FirstSeenRunID)
	assert.Equal(t, int64(2), *row.LastSeenRunID)
	assert.Nil(t, row.LastDevPct, "last_* overwritten by the latest hit")

	w, ok, err := store.GetWindow(ctx, WindowStart(at, 4*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, w.Start.Add(4*time.Hour), w.End)
}

func TestLedgerCompleteness(t *testing.T) {
	l := NewLedger(memstore.New(), policy())

	assert.False(t, l.Complete(nil, storage.KindOracle))
	assert.False(t, l.Complete([]storage.HealthRollup{{OKHits: 1}}, storage.KindOracle))
	assert.True(t, l.Complete([]storage.HealthRollup{{OKHits: 1, StalledHits: 1}}, storage.KindOracle))
	assert.True(t, l.Complete([]storage.HealthRollup{{OutlierHits: 1, FetchErrorHits: 1}}, storage.KindDatasource))

	loose := NewLedger(memstore.New(), Policy{Size: time.Hour})
	assert.True(t, loose.Complete(nil, storage.KindOracle))
}

func TestOracleFetchErrorsDoNotCompleteAWindow(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	rec := NewRecorder(store, policy(), zerolog.Nop())
	at := time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)

	// one run: the read failed and the last submission is stale
	require.NoError(t, rec.Record(ctx, at, storage.RollupHit{Kind: storage.KindOracle, Pair: pair, EntityID: "0xnode", Hit: storage.HitFetchError, Origin: "fetch", RunID: 1}))
	require.NoError(t, rec.Record(ctx, at, storage.RollupHit{Kind: storage.KindOracle, Pair: pair, EntityID: "0xnode", Hit: storage.HitStalled, Origin: "oracle_stall", RunID: 1}))

	rows, err := store.ListRollups(ctx, WindowStart(at, 4*time.Hour), storage.KindOracle)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Evals())

	l := NewLedger(store, policy())
	assert.False(t, l.Complete(rows, storage.KindOracle))

	require.NoError(t, rec.Record(ctx, at, storage.RollupHit{Kind: storage.KindOracle, Pair: pair, EntityID: "0xnode", Hit: storage.HitOK, Origin: "oracle_stall", RunID: 2}))
	rows, err = store.ListRollups(ctx, WindowStart(at, 4*time.Hour), storage.KindOracle)
	require.NoError(t, err)
	assert.True(t, l.Complete(rows, storage.KindOracle))
}

func TestLedgerPendingHonoursLookbackAndFlags(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := NewLedger(store, policy())
	size := 4 * time.Hour
	now := time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)
	current := WindowStart(now, size)

	for i := 0; i <= 3; i++ {
		start := current.Add(-time.Duration(i) * size)
		require.NoError(t, store.EnsureWindow(ctx, start, start.Add(size), 1))
	}

	pending, err := l.Pending(ctx, now)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, current.Add(-2*size), pending[0].Start)
	assert.Equal(t, current.Add(-size), pending[1].Start)

	for _, a := range []storage.Audience{storage.AudienceOwners, storage.AudienceAdminOracle, storage.AudienceAdminDatasource} {
		require.NoError(t, l.MarkDone(ctx, pending[1], a))
	}
	pending, err = l.Pending(ctx, now)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Done(storage.AudienceOwners))
}
