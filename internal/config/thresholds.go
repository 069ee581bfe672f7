package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// testPrefix marks an environment variable that shadows its operational twin.
const testPrefix = "TEST_"

// Thresholds holds detection tunables. Loaded once; callers receive copies.
type Thresholds struct {
	OutlierPct           float64 `mapstructure:"outlier_pct"`
	FreshnessSec         int64   `mapstructure:"freshness_sec"`
	StallFlatPct         float64 `mapstructure:"stall_flat_pct"`
	StallMarketMovePct   float64 `mapstructure:"stall_market_move_pct"`
	StallMinSpanSec      int64   `mapstructure:"stall_min_span_sec"`
	QuorumMinUsed        int     `mapstructure:"quorum_min_used"`
	StallOpenConsec      int     `mapstructure:"stall_open_consec"`
	StallClearConsec     int     `mapstructure:"stall_clear_consec"`
	OracleOpenConsec     int     `mapstructure:"oracle_open_consec"`
	OracleClearConsec    int     `mapstructure:"oracle_clear_consec"`
	OracleRealtimeNotify bool    `mapstructure:"oracle_realtime_notify"`
}

// SummaryConfig holds window and digest policy.
type SummaryConfig struct {
	WindowMinutes       int               `mapstructure:"window_minutes"`
	OnlyIfEvents        bool              `mapstructure:"only_if_events"`
	SkipPartialWindows  bool              `mapstructure:"skip_partial_windows"`
	MinEvalsOracle      int               `mapstructure:"min_evals_oracle"`
	MinEvalsDatasource  int               `mapstructure:"min_evals_datasource"`
	UptimeYellow        float64           `mapstructure:"uptime_yellow"`
	UptimeRed           float64           `mapstructure:"uptime_red"`
	LookbackWindows     int               `mapstructure:"lookback_windows"`
	UnownedLabelDefault string            `mapstructure:"unowned_label_default"`
	UnownedLabels       map[string]string `mapstructure:"unowned_labels"`
	// UnownedLabelMap is the flat form "50:0xabc=ops-sydney;50:0xdef=ops-eu".
	UnownedLabelMap string `mapstructure:"unowned_label_map"`
}

type tunable struct {
	key string
	env []string
	def any
}

// tunables binds each key to its bare environment names. The first name is canonical; later
// names are legacy aliases. A TEST_ variant of any name is applied with v.Set and so beats
// every other source, including the ORACLEWATCH_ prefixed variable and the config file.
var tunables = []tunable{
	{"thresholds.outlier_pct", []string{"OUTLIER_PCT"}, 0.01},
	{"thresholds.freshness_sec", []string{"FRESHNESS_SEC"}, int64(10800)},
	{"thresholds.stall_flat_pct", []string{"STALL_FLAT_PCT"}, 0.0005},
	{"thresholds.stall_market_move_pct", []string{"STALL_MARKET_MOVE_PCT"}, 0.005},
	{"thresholds.stall_min_span_sec", []string{"STALL_MIN_SPAN_SEC"}, int64(43200)},
	{"thresholds.quorum_min_used", []string{"QUORUM_MIN_USED"}, 2},
	{"thresholds.stall_open_consec", []string{"STALL_OPEN_CONSEC"}, 3},
	{"thresholds.stall_clear_consec", []string{"STALL_CLEAR_CONSEC"}, 3},
	{"thresholds.oracle_open_consec", []string{"ORACLE_STALL_OPEN_CONSEC", "ORACLE_STALL_HITS_OPEN"}, 3},
	{"thresholds.oracle_clear_consec", []string{"ORACLE_STALL_CLEAR_CONSEC", "ORACLE_STALL_HITS_CLEAR"}, 2},
	{"thresholds.oracle_realtime_notify", []string{"ORACLE_REALTIME_NOTIFY", "ORACLE_REALTIME_DM"}, false},

	{"summary.window_minutes", []string{"SUMMARY_WINDOW_MINUTES"}, 240},
	{"summary.only_if_events", []string{"SUMMARY_ONLY_IF_EVENTS"}, true},
	{"summary.skip_partial_windows", []string{"SUMMARY_SKIP_PARTIAL_WINDOWS"}, true},
	{"summary.min_evals_oracle", []string{"SUMMARY_MIN_EVALS_PER_ROW_ORACLE"}, 2},
	{"summary.min_evals_datasource", []string{"SUMMARY_MIN_EVALS_PER_ROW_DS"}, 2},
	{"summary.uptime_yellow", []string{"SUMMARY_UPTIME_YELLOW"}, 0.95},
	{"summary.uptime_red", []string{"SUMMARY_UPTIME_RED"}, 0.80},
	{"summary.lookback_windows", []string{"SUMMARY_LOOKBACK_WINDOWS"}, 2},
	{"summary.unowned_label_default", []string{"UNOWNED_LABEL_DEFAULT"}, "unassigned"},
	{"summary.unowned_label_map", []string{"UNOWNED_LABEL_MAP"}, ""},
}

func bindTunables(v *viper.Viper) {
	for _, t := range tunables {
		v.SetDefault(t.key, t.def)
		_ = v.BindEnv(append([]string{t.key}, t.env...)...)
	}
}

// applyTestOverrides pins every tunable whose TEST_ variable is set and returns the names used.
func applyTestOverrides(v *viper.Viper) []string {
	var active []string
	for _, t := range tunables {
		for _, name := range t.env {
			raw, ok := os.LookupEnv(testPrefix + name)
			if !ok || strings.TrimSpace(raw) == "" {
				continue
			}
			v.Set(t.key, strings.TrimSpace(raw))
			active = append(active, testPrefix+name)
			break
		}
	}
	return active
}

// flagHook accepts the 1/yes/on and 0/no/off spellings for boolean settings.
func flagHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
		return data, nil
	}
	switch strings.ToLower(strings.TrimSpace(reflect.ValueOf(data).String())) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "", "0", "false", "no", "n", "off":
		return false, nil
	}
	return data, nil
}

func (t Thresholds) validate() error {
	if t.OutlierPct < 0 || t.StallFlatPct < 0 || t.StallMarketMovePct < 0 {
		return fmt.Errorf("thresholds: percentages cannot be negative")
	}
	if t.FreshnessSec <= 0 {
		return fmt.Errorf("thresholds.freshness_sec must be greater than zero")
	}
	if t.StallOpenConsec < 1 || t.StallClearConsec < 1 || t.OracleOpenConsec < 1 || t.OracleClearConsec < 1 {
		return fmt.Errorf("thresholds: hysteresis counts must be at least 1")
	}
	return nil
}

// Warnings reports tuning foot-guns. They are logged at startup and never fatal.
func (t Thresholds) Warnings() []string {
	var out []string
	if t.StallMinSpanSec > t.FreshnessSec {
		out = append(out, fmt.Sprintf(
			"STALL_MIN_SPAN_SEC (%ds) > FRESHNESS_SEC (%ds): datasource stall detection can never trigger",
			t.StallMinSpanSec, t.FreshnessSec))
	}
	if t.QuorumMinUsed < 2 {
		out = append(out, fmt.Sprintf("QUORUM_MIN_USED = %d: values below 2 yield fragile aggregates", t.QuorumMinUsed))
	}
	return out
}

// Freshness returns the freshness window as a duration.
func (t Thresholds) Freshness() time.Duration {
	return time.Duration(t.FreshnessSec) * time.Second
}

// MinSpan returns the minimum stall span as a duration.
func (t Thresholds) MinSpan() time.Duration {
	return time.Duration(t.StallMinSpanSec) * time.Second
}

func (s SummaryConfig) validate() error {
	if s.WindowMinutes <= 0 {
		return fmt.Errorf("summary.window_minutes must be greater than zero")
	}
	if s.UptimeRed > s.UptimeYellow {
		return fmt.Errorf("summary.uptime_red must not exceed summary.uptime_yellow")
	}
	if s.LookbackWindows < 1 {
		return fmt.Errorf("summary.lookback_windows must be at least 1")
	}
	return nil
}

// Window returns the rollup window size.
func (s SummaryConfig) Window() time.Duration {
	return time.Duration(s.WindowMinutes) * time.Minute
}

// OwnerLabels merges the structured and flat unowned label maps, keyed "chain:participant".
// Flat entries win on conflict. Malformed flat entries are skipped.
func (s SummaryConfig) OwnerLabels() map[string]string {
	out := make(map[string]string, len(s.UnownedLabels))
	for k, v := range s.UnownedLabels {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	for _, part := range strings.Split(s.UnownedLabelMap, ";") {
		lhs, label, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		chain, addr, ok := strings.Cut(strings.TrimSpace(lhs), ":")
		if !ok {
			continue
		}
		chainID, err := strconv.ParseInt(strings.TrimSpace(chain), 10, 64)
		addr = strings.ToLower(strings.TrimSpace(addr))
		if err != nil || addr == "" {
			continue
		}
		out[fmt.Sprintf("%d:%s", chainID, addr)] = strings.TrimSpace(label)
	}
	return out
}
