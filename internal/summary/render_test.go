package summary

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/storage"
)

var (
	testWindow = storage.SummaryWindow{
		Start: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}
	renderer = Renderer{YellowBelow: 0.95, RedBelow: 0.80, UnownedDefault: "unassigned",
		UnownedLabels: map[string]string{"1:0xops0000000000000001": "ops-sydney"}}
)

func oracleRow(pair storage.PairKey, participant string, ok, stalled int, open bool) storage.HealthRollup {
	return storage.HealthRollup{Kind: storage.KindOracle, Pair: pair, EntityID: participant, OKHits: ok, StalledHits: stalled, OpenAtEnd: open}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Red, renderer.Classify(1, true))
	assert.Equal(t, Yellow, renderer.Classify(math.NaN(), false))
	assert.Equal(t, Red, renderer.Classify(0.5, false))
	assert.Equal(t, Yellow, renderer.Classify(0.9, false))
	assert.Equal(t, Green, renderer.Classify(0.95, false))
	assert.True(t, math.IsNaN(Uptime(storage.HealthRollup{OutlierHits: 3})))
}

func TestFormattingHelpers(t *testing.T) {
	assert.Equal(t, "0xabcd…7890", short("0xabcdef1234567890"))
	assert.Equal(t, "0xab", short("0xab"))
	assert.Equal(t, "🟢 95%  ", pad("🟢 95%", 8))
	assert.Equal(t, "2025-06-02T08:00:00Z", iso(testWindow.Start))
	assert.Equal(t, "13%", pct(0.125))
}

func TestChunkBySizeRespectsLimit(t *testing.T) {
	lines := make([]string, 200)
	for i := range lines {
		lines[i] = fmt.Sprintf("row-%03d %s", i, strings.Repeat("x", 40))
	}
	chunks := chunkBySize(lines, "Title")
	require.Greater(t, len(chunks), 1)
	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), MaxMessage)
		assert.True(t, strings.HasPrefix(c, "Title\n```\n"))
		assert.True(t, strings.HasSuffix(c, "\n```"))
		total += strings.Count(c, "row-")
	}
	assert.Equal(t, 200, total)

	footed := withFooters(chunks)
	assert.True(t, strings.HasSuffix(footed[0], fmt.Sprintf("\n\n1/%d (cont.)", len(chunks))))
	assert.True(t, strings.HasSuffix(footed[len(footed)-1], fmt.Sprintf("\n\n%d/%d (end)", len(chunks), len(chunks))))
	assert.Equal(t, []string{"solo"}, withFooters([]string{"solo"}))
}

func TestOwnerMessage(t *testing.T) {
	pair := storage.NewPairKey(1, "0xfeed")
	msgs := renderer.Owner(testWindow, "Alice", []OwnerRow{
		{Label: "ETH/USD", Rollup: oracleRow(pair, "0xabcdef1234567890", 3, 1, true)},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, strings.Join([]string{
		"🧭 Oracle Health Summary",
		"Window: 2025-06-02T08:00:00Z → 2025-06-02T12:00:00Z",
		"Owner: Alice",
		"Legend: 🟢 ≥ 95%  |  🟡 < 95%  |  🔴 < 80% or open at end",
		"",
	}, "\n"), msgs[0])
	assert.Contains(t, msgs[1], "Oracle Validators\n```\npair        validator           uptime  (ok/stalled)  open\n")
	assert.Contains(t, msgs[1], "ETH/USD       0xabcd…7890         🔴 75%    (3/1)          yes")

	empty := renderer.Owner(testWindow, "Alice", nil)
	require.Len(t, empty, 1)
	assert.True(t, strings.HasSuffix(empty[0], "\nAll green ✅"))
}

func TestAdminOracleHotlistOrderAndOwnerLabels(t *testing.T) {
	p1 := storage.NewPairKey(1, "0xaaa")
	p2 := storage.NewPairKey(1, "0xbbb")
	rows := []AdminOracleRow{
		{Label: "ETH/USD", Rollup: oracleRow(p1, "0xyellow000000000001", 9, 1, false),
			Owners: []storage.Recipient{{ID: "z", DisplayName: "Zed"}, {ID: "a", DisplayName: "Amy"}}},
		{Label: "ETH/USD", Rollup: oracleRow(p1, "0xops0000000000000001", 1, 1, false)},
		{Label: "BTC/USD", Rollup: oracleRow(p2, "0xopen000000000000001", 10, 0, true)},
		{Label: "BTC/USD", Rollup: oracleRow(p2, "0xgreen00000000000001", 10, 0, false)},
		// duplicate
		{Label: "BTC/USD", Rollup: oracleRow(p2, "0xgreen00000000000001", 10, 0, false)},
		{Label: "BTC/USD", Rollup: oracleRow(p2, "0xnone000000000000001", 0, 0, false)},
	}
	msgs := renderer.AdminOracle(testWindow, "root", rows)
	require.Len(t, msgs, 2)
	first := msgs[0]
	assert.Contains(t, first, "📊 Health Summary (Admin)\n")
	assert.Contains(t, first, "Admin: root\n")
	assert.Contains(t, first, "Summary: pairs 2 | validators 5 | 🔴 2 | 🟡 2 | 🟢 1")
	assert.Contains(t, first, "\n\n🔥 Hotlist (non-green only)\n\nOracle Validators\n```\n")
	assert.Contains(t, first, "Amy (+1)")
	assert.Contains(t, first, "ops-sydney")
	assert.Contains(t, first, "unassigned")
	assert.NotContains(t, first, "0xgree…0001")

	// reds by ascending uptime, then yellows with NaN last
	order := []string{"0xops0…0001", "0xopen…0001", "0xyell…0001", "0xnone…0001"}
	last := -1
	for _, v := range order {
		idx := strings.Index(first, v)
		require.GreaterOrEqual(t, idx, 0, v)
		assert.Greater(t, idx, last, v)
		last = idx
	}
	assert.Equal(t, "✅ All-green rollup: 1 validators across 1 pairs.", msgs[1])
}

func TestAdminDatasourceAllGreenIsSingleMessage(t *testing.T) {
	pair := storage.NewPairKey(1, "0xfeed")
	rows := []DatasourceRow{
		{Label: "ETH/USD", Rollup: storage.HealthRollup{Kind: storage.KindDatasource, Pair: pair, EntityID: "binance", OKHits: 4}},
		{Label: "ETH/USD", Rollup: storage.HealthRollup{Kind: storage.KindDatasource, Pair: pair, EntityID: "Kraken", OKHits: 4}},
	}
	msgs := renderer.AdminDatasource(testWindow, "root", rows)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Summary: pairs 1 | sources 2 | 🔴 0 | 🟡 0 | 🟢 2\n\n✅ All-green rollup: 2 sources across 1 pairs.")
}

func TestAdminDatasourceHotlist(t *testing.T) {
	pair := storage.NewPairKey(1, "0xfeed")
	rows := []DatasourceRow{
		{Label: "ETH/USD", Rollup: storage.HealthRollup{Kind: storage.KindDatasource, Pair: pair, EntityID: "binance", OKHits: 4}},
		{Label: "ETH/USD", Rollup: storage.HealthRollup{Kind: storage.KindDatasource, Pair: pair, EntityID: "coingecko-pro", OKHits: 2, StalledHits: 2, OutlierHits: 1, FetchErrorHits: 3, OpenAtEnd: true}},
	}
	msgs := renderer.AdminDatasource(testWindow, "", rows)
	require.Len(t, msgs, 2)
	assert.NotContains(t, msgs[0], "Admin:")
	assert.True(t, strings.HasSuffix(msgs[0], "Summary: pairs 1 | sources 2 | 🔴 1 | 🟡 0 | 🟢 1\n\n🔥 Hotlist (non-green only)"))
	assert.Contains(t, msgs[1], "Datasources\n```\npair        datasource  uptime  (ok/stall/out/ferr)  open\n")
	assert.Contains(t, msgs[1], "coingecko-  🔴 50%    (2/2/1/3)            yes")
}
