package summary

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/registry"
	"oracle-health-alerts/internal/rollup"
	"oracle-health-alerts/internal/storage"
	"oracle-health-alerts/internal/storage/memstore"
)

var dispatchPair = storage.NewPairKey(1, "0xfeed")

type recordingCourier struct {
	mu   sync.Mutex
	sent map[string][]string
	fail map[string]bool
}

func (c *recordingCourier) Deliver(_ context.Context, r storage.Recipient, messages ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[r.ID] {
		return errors.New("transport down")
	}
	if c.sent == nil {
		c.sent = make(map[string][]string)
	}
	c.sent[r.ID] = append(c.sent[r.ID], messages...)
	return nil
}

type dispatchHarness struct {
	store   *memstore.Store
	rec     *rollup.Recorder
	ledger  *rollup.Ledger
	courier *recordingCourier
	now     time.Time
	windowA time.Time
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()
	h := &dispatchHarness{
		now:     time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		windowA: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
		courier: &recordingCourier{},
	}
	h.store = memstore.NewWithClock(func() time.Time { return h.now })
	h.store.AddPair(storage.Pair{Key: dispatchPair, Label: "ETH/USD", Active: true})
	h.store.AddParticipant(dispatchPair, "0xnode000000000000001")
	h.store.AddRecipient(storage.Recipient{ID: "admin", DisplayName: "root", IsAdmin: true, AcceptsNotifications: true})
	h.store.AddRecipient(storage.Recipient{ID: "alice", DisplayName: "Alice", AcceptsNotifications: true})
	h.store.AssignOwner(1, "0xnode000000000000001", "alice")

	policy := rollup.Policy{Size: 4 * time.Hour, SkipPartial: true, MinEvalsOracle: 2, MinEvalsDatasource: 2, Lookback: 2}
	h.rec = rollup.NewRecorder(h.store, policy, zerolog.Nop())
	h.ledger = rollup.NewLedger(h.store, policy)
	return h
}

func (h *dispatchHarness) dispatcher(t *testing.T, onlyIfEvents bool) *Dispatcher {
	t.Helper()
	reg := registry.New(h.store)
	_, err := reg.ActivePairs(context.Background())
	require.NoError(t, err)
	return NewDispatcher(h.ledger, reg, h.courier, renderer, onlyIfEvents, zerolog.Nop(),
		WithClock(func() time.Time { return h.now }))
}

func (h *dispatchHarness) hit(t *testing.T, kind storage.EntityKind, entity string, hit storage.HitKind, runID int64, open bool) {
	t.Helper()
	require.NoError(t, h.rec.Record(context.Background(), h.now, storage.RollupHit{
		Kind: kind, Pair: dispatchPair, EntityID: entity, Hit: hit, RunID: runID, Open: open, Origin: "test",
	}))
}

func (h *dispatchHarness) window(t *testing.T) storage.SummaryWindow {
	t.Helper()
	w, ok, err := h.store.GetWindow(context.Background(), h.windowA)
	require.NoError(t, err)
	require.True(t, ok)
	return w
}

func decisionFor(decs []Decision, a storage.Audience) Decision {
	for _, d := range decs {
		if d.Audience == a {
			return d
		}
	}
	return Decision{}
}

func TestIncompleteWindowIsNotSummarisedUntilEnoughEvaluations(t *testing.T) {
	ctx := context.Background()
	h := newDispatchHarness(t)
	h.hit(t, storage.KindOracle, "0xnode000000000000001", storage.HitStalled, 1, true)
	h.hit(t, storage.KindDatasource, "binance", storage.HitStalled, 1, true)

	// window still open
	decs, err := h.dispatcher(t, true).DispatchDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, decs)

	h.now = time.Date(2025, 6, 2, 12, 5, 0, 0, time.UTC)
	decs, err = h.dispatcher(t, true).DispatchDue(ctx)
	require.NoError(t, err)
	require.Len(t, decs, 3)
	for _, d := range decs {
		assert.Equal(t, OutcomeIncomplete, d.Outcome, d.Audience)
	}
	w := h.window(t)
	assert.False(t, w.OwnersDone)
	assert.False(t, w.AdminOracleDone)
	assert.False(t, w.AdminDatasourceDone)
	assert.Empty(t, h.courier.sent)

	// a late run lands its second evaluation in the same window
	h.now = time.Date(2025, 6, 2, 11, 59, 0, 0, time.UTC)
	h.hit(t, storage.KindOracle, "0xnode000000000000001", storage.HitStalled, 2, true)
	h.hit(t, storage.KindDatasource, "binance", storage.HitOK, 2, false)

	h.now = time.Date(2025, 6, 2, 12, 10, 0, 0, time.UTC)
	decs, err = h.dispatcher(t, true).DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, decisionFor(decs, storage.AudienceOwners).Outcome)
	assert.Equal(t, OutcomeSent, decisionFor(decs, storage.AudienceAdminOracle).Outcome)
	assert.Equal(t, OutcomeSent, decisionFor(decs, storage.AudienceAdminDatasource).Outcome)

	w = h.window(t)
	assert.True(t, w.OwnersDone)
	assert.True(t, w.AdminOracleDone)
	assert.True(t, w.AdminDatasourceDone)

	require.NotEmpty(t, h.courier.sent["alice"])
	assert.True(t, strings.HasPrefix(h.courier.sent["alice"][0], "🧭 Oracle Health Summary"))
	adminMsgs := strings.Join(h.courier.sent["admin"], "\n")
	assert.Contains(t, adminMsgs, "📊 Health Summary (Admin)")
	assert.Contains(t, adminMsgs, "📊 Datasource Health (Admin)")
	assert.Contains(t, adminMsgs, "Alice")

	// nothing is sent twice
	before := len(h.courier.sent["admin"])
	decs, err = h.dispatcher(t, true).DispatchDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, decs)
	assert.Len(t, h.courier.sent["admin"], before)
}

func TestQuietWindowLeavesFlagUnset(t *testing.T) {
	ctx := context.Background()
	h := newDispatchHarness(t)
	h.hit(t, storage.KindOracle, "0xnode000000000000001", storage.HitOK, 1, false)
	h.hit(t, storage.KindOracle, "0xnode000000000000001", storage.HitOK, 2, false)

	h.now = time.Date(2025, 6, 2, 12, 5, 0, 0, time.UTC)
	decs, err := h.dispatcher(t, true).DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuiet, decisionFor(decs, storage.AudienceOwners).Outcome)
	assert.Equal(t, OutcomeQuiet, decisionFor(decs, storage.AudienceAdminOracle).Outcome)
	// no datasource rows at all
	assert.Equal(t, OutcomeIncomplete, decisionFor(decs, storage.AudienceAdminDatasource).Outcome)
	assert.False(t, h.window(t).OwnersDone)
	assert.Empty(t, h.courier.sent)

	// without the quiet policy the all-green digest goes out
	decs, err = h.dispatcher(t, false).DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, decisionFor(decs, storage.AudienceOwners).Outcome)
	assert.True(t, h.window(t).OwnersDone)
	assert.NotEmpty(t, h.courier.sent["alice"])
}

func TestFailedDeliveryStillSetsFlag(t *testing.T) {
	ctx := context.Background()
	h := newDispatchHarness(t)
	h.courier.fail = map[string]bool{"admin": true}
	h.hit(t, storage.KindOracle, "0xnode000000000000001", storage.HitStalled, 1, true)
	h.hit(t, storage.KindOracle, "0xnode000000000000001", storage.HitStalled, 2, true)

	h.now = time.Date(2025, 6, 2, 12, 5, 0, 0, time.UTC)
	decs, err := h.dispatcher(t, true).DispatchDue(ctx)
	require.NoError(t, err)
	d := decisionFor(decs, storage.AudienceAdminOracle)
	assert.Equal(t, OutcomeSent, d.Outcome)
	assert.Zero(t, d.Recipients)
	assert.True(t, h.window(t).AdminOracleDone)
}

func TestDryRunDoesNotSetFlags(t *testing.T) {
	ctx := context.Background()
	h := newDispatchHarness(t)
	h.hit(t, storage.KindOracle, "0xnode000000000000001", storage.HitStalled, 1, true)
	h.hit(t, storage.KindOracle, "0xnode000000000000001", storage.HitStalled, 2, true)

	h.now = time.Date(2025, 6, 2, 12, 5, 0, 0, time.UTC)
	reg := registry.New(h.store)
	d := NewDispatcher(h.ledger, reg, h.courier, renderer, true, zerolog.Nop(),
		WithClock(func() time.Time { return h.now }), WithDryRun(true))
	decs, err := d.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, decisionFor(decs, storage.AudienceOwners).Outcome)
	assert.False(t, h.window(t).OwnersDone)
	assert.Empty(t, h.courier.sent)
}
