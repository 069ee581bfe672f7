// Package summary renders and dispatches per-window health digests.
package summary

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"oracle-health-alerts/internal/storage"
)

// MaxMessage bounds every rendered message, fences and footers included.
const MaxMessage = 1800

// Light is the traffic-light class of a row.
type Light string

const (
	Green  Light = "🟢"
	Yellow Light = "🟡"
	Red    Light = "🔴"
)

const (
	hotlistTitle = "🔥 Hotlist (non-green only)"
	fence        = "```"
)

// Renderer formats rollup rows into notification text.
type Renderer struct {
	YellowBelow    float64
	RedBelow       float64
	UnownedDefault string
	// UnownedLabels maps "chain:participant" to a label for participants with no owner.
	UnownedLabels map[string]string
}

// OwnerRow is one oracle rollup row as shown to an owner.
type OwnerRow struct {
	Label  string
	Rollup storage.HealthRollup
}

// AdminOracleRow carries an oracle rollup row and the owners of its participant.
type AdminOracleRow struct {
	Label  string
	Rollup storage.HealthRollup
	Owners []storage.Recipient
}

// DatasourceRow is one datasource rollup row.
type DatasourceRow struct {
	Label  string
	Rollup storage.HealthRollup
}

// Uptime is ok/(ok+stalled). NaN when the row has neither.
func Uptime(r storage.HealthRollup) float64 {
	total := r.OKHits + r.StalledHits
	if total == 0 {
		return math.NaN()
	}
	return float64(r.OKHits) / float64(total)
}

// Classify maps an uptime and open flag to a light.
func (rd Renderer) Classify(uptime float64, openAtEnd bool) Light {
	switch {
	case openAtEnd:
		return Red
	case math.IsNaN(uptime):
		return Yellow
	case uptime < rd.RedBelow:
		return Red
	case uptime < rd.YellowBelow:
		return Yellow
	default:
		return Green
	}
}

func (rd Renderer) legend() string {
	return fmt.Sprintf("Legend: 🟢 ≥ %s  |  🟡 < %s  |  🔴 < %s or open at end",
		pct(rd.YellowBelow), pct(rd.YellowBelow), pct(rd.RedBelow))
}

func (rd Renderer) header(title string, w storage.SummaryWindow, role, name string) []string {
	lines := []string{title, fmt.Sprintf("Window: %s → %s", iso(w.Start), iso(w.End))}
	if name != "" {
		lines = append(lines, role+": "+name)
	}
	return append(lines, rd.legend(), "")
}

// Owner renders the owner digest: a header message followed by table chunks.
func (rd Renderer) Owner(w storage.SummaryWindow, ownerName string, rows []OwnerRow) []string {
	header := strings.Join(rd.header("🧭 Oracle Health Summary", w, "Owner", ownerName), "\n")
	if len(rows) == 0 {
		return []string{header + "\nAll green ✅"}
	}

	table := []string{"pair        validator           uptime  (ok/stalled)  open"}
	for _, row := range rows {
		r := row.Rollup
		up := Uptime(r)
		table = append(table, strings.Join([]string{
			pad(cut(row.Label, 12), 12),
			pad(short(r.EntityID), 18),
			pad(fmt.Sprintf("%s %s", rd.Classify(up, r.OpenAtEnd), pct(zeroNaN(up))), 8),
			pad(fmt.Sprintf("(%d/%d)", r.OKHits, r.StalledHits), 13),
			yesNo(r.OpenAtEnd),
		}, "  "))
	}
	return append([]string{header}, chunkBySize(table, "Oracle Validators")...)
}

type classifiedOracle struct {
	row    AdminOracleRow
	uptime float64
	light  Light
}

// AdminOracle renders the admin oracle digest: summary counts, a hotlist of non-green rows
// (red first, then by ascending uptime) and an all-green rollup line.
func (rd Renderer) AdminOracle(w storage.SummaryWindow, adminName string, rows []AdminOracleRow) []string {
	seen := make(map[string]struct{}, len(rows))
	pairs := make(map[storage.PairKey]struct{})
	validators := make(map[string]struct{})
	greenPairs := make(map[storage.PairKey]struct{})
	var reds, yellows []classifiedOracle
	greens := 0
	for _, row := range rows {
		r := row.Rollup
		k := r.Pair.String() + "|" + r.EntityID
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		pairs[r.Pair] = struct{}{}
		validators[r.EntityID] = struct{}{}

		up := Uptime(r)
		c := classifiedOracle{row: row, uptime: up, light: rd.Classify(up, r.OpenAtEnd)}
		switch c.light {
		case Red:
			reds = append(reds, c)
		case Yellow:
			yellows = append(yellows, c)
		default:
			greens++
			greenPairs[r.Pair] = struct{}{}
		}
	}

	lines := rd.header("📊 Health Summary (Admin)", w, "Admin", adminName)
	lines = append(lines, fmt.Sprintf("Summary: pairs %d | validators %d | 🔴 %d | 🟡 %d | 🟢 %d",
		len(pairs), len(validators), len(reds), len(yellows), greens))
	header := strings.Join(lines, "\n")
	rollupLine := fmt.Sprintf("✅ All-green rollup: %d validators across %d pairs.", greens, len(greenPairs))

	hot := append(reds, yellows...)
	sort.SliceStable(hot, func(i, j int) bool {
		ri, rj := hot[i].light == Red, hot[j].light == Red
		if ri != rj {
			return ri
		}
		return sortableUptime(hot[i].uptime) < sortableUptime(hot[j].uptime)
	})

	table := []string{"pair        validator           owner            uptime  (ok/stalled)  open"}
	for _, c := range hot {
		r := c.row.Rollup
		table = append(table, strings.Join([]string{
			pad(cut(c.row.Label, 12), 12),
			pad(short(r.EntityID), 18),
			pad(cut(rd.ownerLabel(c.row), 14), 16),
			pad(fmt.Sprintf("%s %s", c.light, pct(zeroNaN(c.uptime))), 8),
			pad(fmt.Sprintf("(%d/%d)", r.OKHits, r.StalledHits), 13),
			yesNo(r.OpenAtEnd),
		}, "  "))
	}

	chunks := withFooters(chunkBySize(table, "Oracle Validators"))
	first := strings.Join([]string{header, "", hotlistTitle, "", chunks[0]}, "\n")
	out := append([]string{first}, chunks[1:]...)
	return append(out, rollupLine)
}

// ownerLabel prefers explicit owners, then the unowned label map, then the default.
func (rd Renderer) ownerLabel(row AdminOracleRow) string {
	if len(row.Owners) > 0 {
		names := make([]string, len(row.Owners))
		for i, o := range row.Owners {
			names[i] = o.Name()
		}
		sort.Strings(names)
		if len(names) > 1 {
			return fmt.Sprintf("%s (+%d)", names[0], len(names)-1)
		}
		return names[0]
	}
	key := fmt.Sprintf("%d:%s", row.Rollup.Pair.ChainID, strings.ToLower(row.Rollup.EntityID))
	if label, ok := rd.UnownedLabels[key]; ok && label != "" {
		return label
	}
	if rd.UnownedDefault != "" {
		return rd.UnownedDefault
	}
	return "unassigned"
}

// AdminDatasource renders the admin datasource digest. With no non-green rows it is a single
// message ending in the all-green rollup line.
func (rd Renderer) AdminDatasource(w storage.SummaryWindow, adminName string, rows []DatasourceRow) []string {
	pairs := make(map[storage.PairKey]struct{})
	sources := make(map[string]struct{})
	var red, yellow, green int
	var hot []string
	for _, row := range rows {
		r := row.Rollup
		up := Uptime(r)
		light := rd.Classify(up, r.OpenAtEnd)
		pairs[r.Pair] = struct{}{}
		if r.EntityID != "" {
			sources[strings.ToLower(r.EntityID)] = struct{}{}
		}
		switch light {
		case Red:
			red++
		case Yellow:
			yellow++
		default:
			green++
			continue
		}
		hot = append(hot, strings.Join([]string{
			pad(cut(row.Label, 12), 12),
			pad(cut(r.EntityID, 10), 10),
			pad(fmt.Sprintf("%s %s", light, pct(zeroNaN(up))), 8),
			pad(fmt.Sprintf("(%d/%d/%d/%d)", r.OKHits, r.StalledHits, r.OutlierHits, r.FetchErrorHits), 19),
			yesNo(r.OpenAtEnd),
		}, "  "))
	}

	header := rd.header("📊 Datasource Health (Admin)", w, "Admin", adminName)
	summary := fmt.Sprintf("Summary: pairs %d | sources %d | 🔴 %d | 🟡 %d | 🟢 %d", len(pairs), len(sources), red, yellow, green)
	if len(hot) == 0 {
		lines := append(header, summary, "", fmt.Sprintf("✅ All-green rollup: %d sources across %d pairs.", green, len(pairs)))
		return []string{strings.Join(lines, "\n")}
	}

	table := append([]string{"pair        datasource  uptime  (ok/stall/out/ferr)  open"}, hot...)
	first := strings.Join(append(header, summary, "", hotlistTitle), "\n")
	return append([]string{first}, withFooters(chunkBySize(table, "Datasources"))...)
}

// chunkBySize packs lines into titled code-fenced blocks no longer than MaxMessage.
func chunkBySize(lines []string, title string) []string {
	wrap := func(body []string) string {
		return strings.Join(append(append([]string{title, fence}, body...), fence), "\n")
	}
	var chunks, cur []string
	for _, ln := range lines {
		candidate := append(append([]string(nil), cur...), ln)
		if len(wrap(candidate)) <= MaxMessage {
			cur = candidate
			continue
		}
		if len(cur) > 0 {
			chunks = append(chunks, wrap(cur))
		}
		cur = []string{ln}
	}
	if len(cur) > 0 {
		chunks = append(chunks, wrap(cur))
	}
	return chunks
}

// withFooters numbers chunks when there is more than one.
func withFooters(chunks []string) []string {
	if len(chunks) <= 1 {
		return chunks
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		state := "(cont.)"
		if i == len(chunks)-1 {
			state = "(end)"
		}
		out[i] = fmt.Sprintf("%s\n\n%d/%d %s", c, i+1, len(chunks), state)
	}
	return out
}

func pct(fraction float64) string {
	return fmt.Sprintf("%d%%", int64(math.Round(fraction*100)))
}

func zeroNaN(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return f
}

func sortableUptime(f float64) float64 {
	if math.IsNaN(f) {
		return 1.01
	}
	return f
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func iso(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// short abbreviates an address to its first 6 and last 4 characters.
func short(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

func cut(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// pad right-pads s to n columns. Astral-plane runes such as emoji count as two.
func pad(s string, n int) string {
	w := 0
	for _, r := range s {
		if r > 0xFFFF {
			w += 2
		} else {
			w++
		}
	}
	if w >= n {
		return s
	}
	return s + strings.Repeat(" ", n-w)
}
