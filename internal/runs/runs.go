package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/storage"
)

// ErrRunClosed is returned when a closed run is reused.
var ErrRunClosed = errors.New("runs: run already closed")

// Run is an open ingest run handle.
type Run struct {
	ID        int64
	Label     string
	StartedAt time.Time

	ledger *Ledger
	closed bool
}

// Ledger opens and closes ingest runs.
type Ledger struct {
	store  storage.RunStore
	logger zerolog.Logger
}

// NewLedger wraps a run store.
func NewLedger(store storage.RunStore, logger zerolog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger.With().Str("component", "runs").Logger()}
}

// Begin opens a run.
func (l *Ledger) Begin(ctx context.Context, label string) (*Run, error) {
	rec, err := l.store.BeginRun(ctx, label)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	l.logger.Debug().Int64("run_id", rec.ID).Str("label", label).Msg("run opened")
	return &Run{ID: rec.ID, Label: rec.Label, StartedAt: rec.StartedAt, ledger: l}, nil
}

// Close stamps the run end. A second call returns ErrRunClosed.
func (r *Run) Close(ctx context.Context) error {
	if r.closed {
		return ErrRunClosed
	}
	if err := r.ledger.store.EndRun(ctx, r.ID); err != nil {
		return err
	}
	r.closed = true
	r.ledger.logger.Debug().Int64("run_id", r.ID).Dur("elapsed", time.Since(r.StartedAt)).Msg("run closed")
	return nil
}

// WithRun opens a run, invokes fn, and closes the run on every exit path including panics.
// Close uses a fresh context so a cancelled sweep still records ended_at.
func (l *Ledger) WithRun(ctx context.Context, label string, fn func(ctx context.Context, run *Run) error) (err error) {
	run, err := l.Begin(ctx, label)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if closeErr := run.Close(closeCtx); closeErr != nil {
			l.logger.Error().Err(closeErr).Int64("run_id", run.ID).Msg("failed to close run")
			if err == nil {
				err = closeErr
			}
		}
	}()
	return fn(ctx, run)
}
