package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/storage"
)

var pair = storage.NewPairKey(1, "0xFEED")

func TestInsertAlertKeepsOneOpenPerKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	key := storage.AlertKey{RecipientID: "admin", Pair: pair, AlertType: "OUTLIER:binance"}

	first, inserted, err := s.InsertAlert(ctx, storage.AlertRecord{Key: key, Message: "one"})
	require.NoError(t, err)
	require.True(t, inserted)

	_, inserted, err = s.InsertAlert(ctx, storage.AlertRecord{Key: key, Message: "two"})
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, s.ResolveAlert(ctx, first.ID, nil, time.Now()))
	_, inserted, err = s.InsertAlert(ctx, storage.AlertRecord{Key: key, Message: "three"})
	require.NoError(t, err)
	assert.True(t, inserted)

	all, err := s.ListAlerts(ctx, storage.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBumpRollupIgnoresReplayedRunAndOrigin(t *testing.T) {
	ctx := context.Background()
	s := New()
	start := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	hit := storage.RollupHit{WindowStart: start, WindowEnd: start.Add(4 * time.Hour), Kind: storage.KindDatasource,
		Pair: pair, EntityID: "binance", Hit: storage.HitOK, Origin: "aggregate", RunID: 1}

	applied, err := s.BumpRollup(ctx, hit)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = s.BumpRollup(ctx, hit)
	require.NoError(t, err)
	assert.False(t, applied)

	hit.Origin, hit.Hit = "ds_stall", storage.HitStalled
	applied, err = s.BumpRollup(ctx, hit)
	require.NoError(t, err)
	assert.True(t, applied)

	rows, err := s.ListRollups(ctx, start, storage.KindDatasource)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].OKHits)
	assert.Equal(t, 1, rows[0].StalledHits)
}

func TestFreshSnapshotsKeepNewestPerSource(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	put := func(run int64, src, price string, at time.Time) {
		require.NoError(t, s.InsertSnapshot(ctx, storage.KindDatasource, storage.Snapshot{
			RunID: run, Pair: pair, EntityID: src, Price: decimal.RequireFromString(price), ObservedAt: at,
		}))
	}
	put(1, "binance", "100", now.Add(-2*time.Hour))
	put(2, "binance", "101", now.Add(-time.Hour))
	put(1, "kraken", "99", now.Add(-5*time.Hour))

	fresh, err := s.FreshDatasourceSnapshots(ctx, pair, now.Add(-3*time.Hour))
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "binance", fresh[0].EntityID)
	assert.True(t, decimal.RequireFromString("101").Equal(fresh[0].Price))

	removed, err := s.PruneSnapshotsBefore(ctx, now.Add(-90*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
}

func TestWindowFlagsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := New()
	start := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	end := start.Add(4 * time.Hour)
	require.NoError(t, s.EnsureWindow(ctx, start, end, 1))
	require.NoError(t, s.EnsureWindow(ctx, start, end, 2))
	require.NoError(t, s.MarkWindowDone(ctx, start, storage.AudienceOwners))

	w, ok, err := s.GetWindow(ctx, start)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, *w.CreatedByRunID)
	assert.True(t, w.OwnersDone)
	assert.False(t, w.AdminOracleDone)

	pending, err := s.PendingWindows(ctx, start, end)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.Error(t, s.MarkWindowDone(ctx, start, storage.Audience("bogus")))
}
