// Package rollup accumulates detector evaluations into fixed windows and tracks which
// windows still owe a summary.
package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/storage"
)

// Store is the persistence needed by the recorder and ledger.
type Store interface {
	storage.RollupStore
	storage.WindowStore
}

// WindowStart floors t to the epoch-aligned window of the given size.
func WindowStart(t time.Time, size time.Duration) time.Time {
	secs := int64(size / time.Second)
	if secs <= 0 {
		return t.UTC()
	}
	unix := t.Unix()
	start := unix - unix%secs
	if unix < 0 && unix%secs != 0 {
		start -= secs
	}
	return time.Unix(start, 0).UTC()
}

// Policy controls window size and summary eligibility.
type Policy struct {
	Size               time.Duration
	SkipPartial        bool
	MinEvalsOracle     int
	MinEvalsDatasource int
	Lookback           int
}

// PolicyFromConfig derives a Policy from summary settings.
func PolicyFromConfig(cfg config.SummaryConfig) Policy {
	return Policy{
		Size:               cfg.Window(),
		SkipPartial:        cfg.SkipPartialWindows,
		MinEvalsOracle:     cfg.MinEvalsOracle,
		MinEvalsDatasource: cfg.MinEvalsDatasource,
		Lookback:           cfg.LookbackWindows,
	}
}

// Recorder applies hits to the current window.
type Recorder struct {
	store  Store
	policy Policy
	logger zerolog.Logger
}

// NewRecorder constructs a recorder.
func NewRecorder(store Store, policy Policy, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, policy: policy, logger: logger.With().Str("component", "rollup").Logger()}
}

// Record bumps the row of the window containing at and ensures the window ledger row exists.
func (r *Recorder) Record(ctx context.Context, at time.Time, hit storage.RollupHit) error {
	hit.WindowStart = WindowStart(at, r.policy.Size)
	hit.WindowEnd = hit.WindowStart.Add(r.policy.Size)
	if hit.Origin == "" {
		hit.Origin = string(hit.Hit)
	}

	applied, err := r.store.BumpRollup(ctx, hit)
	if err != nil {
		return fmt.Errorf("bump %s %s/%s: %w", hit.Kind, hit.Pair, hit.EntityID, err)
	}
	if !applied {
		r.logger.Debug().
			Int64("run_id", hit.RunID).
			Str("entity", hit.EntityID).
			Str("origin", hit.Origin).
			Msg("duplicate rollup bump ignored")
	}
	if err := r.store.EnsureWindow(ctx, hit.WindowStart, hit.WindowEnd, hit.RunID); err != nil {
		return err
	}
	return nil
}

// Ledger answers which windows are due and whether they are complete.
type Ledger struct {
	store  Store
	policy Policy
}

// NewLedger constructs a window ledger.
func NewLedger(store Store, policy Policy) *Ledger {
	return &Ledger{store: store, policy: policy}
}

// Policy returns the ledger policy.
func (l *Ledger) Policy() Policy { return l.policy }

// Pending lists closed windows within the lookback that still have an unset flag, oldest first.
func (l *Ledger) Pending(ctx context.Context, now time.Time) ([]storage.SummaryWindow, error) {
	lookback := l.policy.Lookback
	if lookback < 1 {
		lookback = 1
	}
	since := WindowStart(now, l.policy.Size).Add(-time.Duration(lookback) * l.policy.Size)
	return l.store.PendingWindows(ctx, since, now)
}

// Rows lists the rows of kind in window w.
func (l *Ledger) Rows(ctx context.Context, w storage.SummaryWindow, kind storage.EntityKind) ([]storage.HealthRollup, error) {
	return l.store.ListRollups(ctx, w.Start, kind)
}

// Complete reports whether rows satisfy the minimum evaluations for kind. When partial windows
// are not skipped every window is complete. An empty row set is never complete.
func (l *Ledger) Complete(rows []storage.HealthRollup, kind storage.EntityKind) bool {
	if !l.policy.SkipPartial {
		return true
	}
	if len(rows) == 0 {
		return false
	}
	minEvals := l.policy.MinEvalsOracle
	if kind == storage.KindDatasource {
		minEvals = l.policy.MinEvalsDatasource
	}
	for _, row := range rows {
		if row.Evals() < minEvals {
			return false
		}
	}
	return true
}

// Closed reports whether w has ended at now.
func Closed(w storage.SummaryWindow, now time.Time) bool {
	return !w.End.After(now)
}

// MarkDone sets the audience flag of w.
func (l *Ledger) MarkDone(ctx context.Context, w storage.SummaryWindow, audience storage.Audience) error {
	return l.store.MarkWindowDone(ctx, w.Start, audience)
}
