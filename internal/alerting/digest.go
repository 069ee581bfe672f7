// Package alerting turns the admin alerts opened during one run into a single digest message
// per admin.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/storage"
)

// digestTypes are the alert families admins receive in the run digest.
var digestTypes = []string{"OUTLIER:", "DS_STALL:", "DS_FETCH_ERROR:"}

// Courier delivers a message to one recipient.
type Courier interface {
	Deliver(ctx context.Context, r storage.Recipient, messages ...string) error
}

// Directory resolves admins and pair labels.
type Directory interface {
	Admins(ctx context.Context) ([]storage.Recipient, error)
	LabelFor(pair storage.PairKey) string
}

// Item is one digest line: an alert type on a pair, with how many rows of it opened this run.
type Item struct {
	AlertType string
	Pair      storage.PairKey
	Label     string
	Count     int
}

// Digester sends per-run digests.
type Digester struct {
	courier   Courier
	directory Directory
	logger    zerolog.Logger
}

// NewDigester constructs a Digester.
func NewDigester(courier Courier, directory Directory, logger zerolog.Logger) *Digester {
	return &Digester{
		courier:   courier,
		directory: directory,
		logger:    logger.With().Str("component", "run_digest").Logger(),
	}
}

// Send groups opened by admin and delivers one digest to each admin with at least one item.
// It returns the number of digests delivered.
func (d *Digester) Send(ctx context.Context, runID int64, opened []storage.AlertRecord) (int, error) {
	if len(opened) == 0 {
		return 0, nil
	}
	admins, err := d.directory.Admins(ctx)
	if err != nil {
		return 0, fmt.Errorf("list admins: %w", err)
	}
	grouped := Group(opened, d.directory.LabelFor)

	var (
		sent int
		errs []error
	)
	for _, admin := range admins {
		items := grouped[admin.ID]
		if len(items) == 0 {
			continue
		}
		if err := d.courier.Deliver(ctx, admin, Render(items)); err != nil {
			errs = append(errs, fmt.Errorf("digest to %s: %w", admin.ID, err))
			continue
		}
		sent++
		d.logger.Info().Int64("run_id", runID).Str("recipient", admin.ID).Int("items", len(items)).Msg("run digest sent")
	}
	return sent, errors.Join(errs...)
}

// Group buckets digest-eligible alerts by recipient, merging repeats of the same type and pair.
// Items keep first-seen order.
func Group(opened []storage.AlertRecord, labelFor func(storage.PairKey) string) map[string][]Item {
	type itemKey struct {
		alertType string
		pair      storage.PairKey
	}
	out := make(map[string][]Item)
	index := make(map[string]map[itemKey]int)
	for _, rec := range opened {
		if !eligible(rec.Key.AlertType) {
			continue
		}
		rid := rec.Key.RecipientID
		if index[rid] == nil {
			index[rid] = make(map[itemKey]int)
		}
		k := itemKey{alertType: rec.Key.AlertType, pair: rec.Key.Pair}
		if i, ok := index[rid][k]; ok {
			out[rid][i].Count++
			continue
		}
		index[rid][k] = len(out[rid])
		out[rid] = append(out[rid], Item{AlertType: k.alertType, Pair: k.pair, Label: labelFor(k.pair), Count: 1})
	}
	return out
}

// Render formats one admin's digest.
func Render(items []Item) string {
	if len(items) == 0 {
		return "No new datasource alerts this run."
	}
	sorted := append([]Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Label < sorted[j].Label })

	var b strings.Builder
	b.WriteString("⚠️ New datasource alerts this run\n\n")
	for _, it := range sorted {
		fmt.Fprintf(&b, "• %s on chain %d @ %s: %s", it.Label, it.Pair.ChainID, shortAddr(it.Pair.Contract), it.AlertType)
		if it.Count > 1 {
			fmt.Fprintf(&b, " ×%d", it.Count)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nThese stay open until they resolve; only newly opened alerts are listed.")
	return b.String()
}

func eligible(alertType string) bool {
	for _, prefix := range digestTypes {
		if strings.HasPrefix(alertType, prefix) {
			return true
		}
	}
	return false
}

func shortAddr(addr string) string {
	if addr == "" {
		return "(no contract)"
	}
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
