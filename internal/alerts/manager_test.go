package alerts

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

func testKey() storage.AlertKey {
	return storage.AlertKey{
		RecipientID: "admin-1",
		Pair:        storage.NewPairKey(1, "0xABC"),
		AlertType:   OutlierType("binance"),
	}
}

func TestOpenOrRefreshOpensOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	var journal Journal
	m := NewManager(store, zerolog.Nop(), WithOpenHook(journal.Record))

	first := Payload{Outlier: &OutlierDetail{RunID: 1, Price: decimal.NewFromInt(120)}}
	opened, err := m.OpenOrRefresh(ctx, testKey(), SeverityWarning, "outlier", first)
	require.NoError(t, err)
	assert.True(t, opened)

	second := Payload{Outlier: &OutlierDetail{RunID: 2, Price: decimal.NewFromInt(125)}}
	opened, err = m.OpenOrRefresh(ctx, testKey(), SeverityWarning, "outlier", second)
	require.NoError(t, err)
	assert.False(t, opened)

	open, err := store.ListAlerts(ctx, storage.AlertFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)

	stored, err := DecodePayload(open[0].Extra)
	require.NoError(t, err)
	require.NotNil(t, stored.Outlier)
	assert.Equal(t, int64(2), stored.Outlier.RunID)
	assert.Equal(t, PayloadVersion, stored.Version)

	assert.Len(t, journal.Drain(), 1)
	assert.Empty(t, journal.Drain())
}

func TestResolveWithoutOpenAlertIsNoop(t *testing.T) {
	m := NewManager(memstore.New(), zerolog.Nop())
	resolved, err := m.Resolve(context.Background(), testKey(), nil)
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestResolveMergesResolutionAndAllowsReopen(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(store, zerolog.Nop(), WithClock(func() time.Time { return at }))

	key := testKey()
	_, err := m.OpenOrRefresh(ctx, key, SeverityWarning, "stall", Payload{Stall: &StallDetail{RunID: 3}})
	require.NoError(t, err)

	span := int64(43200)
	resolved, err := m.Resolve(ctx, key, &Payload{Resolution: &ResolutionDetail{ResolvedRunID: 9, ResolvedAt: at, LastSpanSec: &span}})
	require.NoError(t, err)
	assert.True(t, resolved)

	all, err := store.ListAlerts(ctx, storage.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].ResolvedAt)
	assert.True(t, all[0].ResolvedAt.Equal(at))

	stored, err := DecodePayload(all[0].Extra)
	require.NoError(t, err)
	require.NotNil(t, stored.Stall)
	require.NotNil(t, stored.Resolution)
	assert.Equal(t, int64(9), stored.Resolution.ResolvedRunID)

	opened, err := m.OpenOrRefresh(ctx, key, SeverityWarning, "stall again", Payload{})
	require.NoError(t, err)
	assert.True(t, opened)
}

func TestMergeKeepsAbsentVariants(t *testing.T) {
	base := Payload{
		Stall:      &StallDetail{RunID: 1},
		FetchError: &FetchErrorDetail{RunID: 1, Error: "timeout"},
	}
	merged := base.Merge(Payload{Stall: &StallDetail{RunID: 2}})
	assert.Equal(t, int64(2), merged.Stall.RunID)
	require.NotNil(t, merged.FetchError)
	assert.Equal(t, "timeout", merged.FetchError.Error)
}

func TestDecodeEmptyPayload(t *testing.T) {
	p, err := DecodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, p.Stall)
}
