package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/storage"
	"oracle-health-alerts/internal/storage/memstore"
)

func TestActivePairsAndLabels(t *testing.T) {
	store := memstore.New()
	eth := storage.NewPairKey(1, "0xAAA")
	old := storage.NewPairKey(1, "0xBBB")
	anon := storage.NewPairKey(5, "0xCCC")
	store.AddPair(storage.Pair{Key: eth, Label: "ETH/USD", Active: true})
	store.AddPair(storage.Pair{Key: old, Base: "BTC", Quote: "USD"})
	store.AddPair(storage.Pair{Key: anon, Active: true})

	reg := New(store)
	active, err := reg.ActivePairs(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)

	assert.Equal(t, "ETH/USD", reg.LabelFor(eth))
	assert.Equal(t, "BTC/USD", reg.LabelFor(old))
	assert.Equal(t, "5:0xccc", reg.LabelFor(anon))
	assert.Equal(t, "9:0xdead", reg.LabelFor(storage.NewPairKey(9, "0xdead")))
}

func TestOwnersCachedUntilReset(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.AddRecipient(storage.Recipient{ID: "alice", AcceptsNotifications: true})
	store.AssignOwner(1, "0xop", "alice")

	reg := New(store)
	owners, err := reg.OwnersOf(ctx, 1, "0xop")
	require.NoError(t, err)
	require.Len(t, owners, 1)

	store.AddRecipient(storage.Recipient{ID: "bob", AcceptsNotifications: true})
	store.AssignOwner(1, "0xop", "bob")

	owners, err = reg.OwnersOf(ctx, 1, "0xop")
	require.NoError(t, err)
	assert.Len(t, owners, 1)

	reg.Reset()
	owners, err = reg.OwnersOf(ctx, 1, "0xop")
	require.NoError(t, err)
	assert.Len(t, owners, 2)
}

func TestDisableNotifications(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.AddRecipient(storage.Recipient{ID: "alice", AcceptsNotifications: true})

	reg := New(store)
	require.NoError(t, reg.DisableNotifications(ctx, "alice"))

	rec, found, err := reg.Recipient(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rec.AcceptsNotifications)
}
