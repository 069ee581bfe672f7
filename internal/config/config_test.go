package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsMatchReferenceConstants(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	th := cfg.Thresholds
	assert.Equal(t, 0.01, th.OutlierPct)
	assert.EqualValues(t, 10800, th.FreshnessSec)
	assert.Equal(t, 0.0005, th.StallFlatPct)
	assert.Equal(t, 0.005, th.StallMarketMovePct)
	assert.EqualValues(t, 43200, th.StallMinSpanSec)
	assert.Equal(t, 2, th.QuorumMinUsed)
	assert.Equal(t, 3, th.StallOpenConsec)
	assert.Equal(t, 3, th.StallClearConsec)
	assert.Equal(t, 3, th.OracleOpenConsec)
	assert.Equal(t, 2, th.OracleClearConsec)
	assert.False(t, th.OracleRealtimeNotify)
	assert.Empty(t, cfg.TestOverrides)
}

func TestTestVariablesWinOverOperationalOnes(t *testing.T) {
	t.Setenv("OUTLIER_PCT", "0.02")
	t.Setenv("TEST_OUTLIER_PCT", "0.07")
	t.Setenv("ORACLEWATCH_THRESHOLDS_FRESHNESS_SEC", "7200")
	t.Setenv("TEST_FRESHNESS_SEC", "3600")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.07, cfg.Thresholds.OutlierPct)
	assert.EqualValues(t, 3600, cfg.Thresholds.FreshnessSec, "TEST_ beats the prefixed variable too")
	assert.ElementsMatch(t, []string{"TEST_OUTLIER_PCT", "TEST_FRESHNESS_SEC"}, cfg.TestOverrides)
}

func TestOperationalVariableAppliesWithoutTestVariant(t *testing.T) {
	t.Setenv("OUTLIER_PCT", "0.02")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.02, cfg.Thresholds.OutlierPct)
	assert.Empty(t, cfg.TestOverrides)
}

func TestLegacyAliasesStillBind(t *testing.T) {
	t.Setenv("ORACLE_STALL_HITS_OPEN", "5")
	t.Setenv("ORACLE_STALL_HITS_CLEAR", "4")
	t.Setenv("ORACLE_REALTIME_DM", "1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Thresholds.OracleOpenConsec)
	assert.Equal(t, 4, cfg.Thresholds.OracleClearConsec)
	assert.True(t, cfg.Thresholds.OracleRealtimeNotify)
}

func TestFlagSpellings(t *testing.T) {
	cases := map[string]bool{"yes": true, "ON": true, "true": true, "no": false, "off": false, "0": false}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			t.Setenv("ORACLE_REALTIME_DM", raw)
			cfg, err := Load("")
			require.NoError(t, err)
			assert.Equal(t, want, cfg.Thresholds.OracleRealtimeNotify)
		})
	}
}

func TestInvariantViolationsWarnButLoad(t *testing.T) {
	t.Setenv("STALL_MIN_SPAN_SEC", "20000")
	t.Setenv("FRESHNESS_SEC", "10800")
	t.Setenv("QUORUM_MIN_USED", "1")

	cfg, err := Load("")
	require.NoError(t, err)

	warnings := cfg.Thresholds.Warnings()
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "STALL_MIN_SPAN_SEC")
	assert.Contains(t, warnings[1], "QUORUM_MIN_USED")
}

func TestDefaultsRaiseNoWarnings(t *testing.T) {
	th := Thresholds{FreshnessSec: 10800, StallMinSpanSec: 3600, QuorumMinUsed: 2}
	assert.Empty(t, th.Warnings())
}
