// Package fetcher holds the price producers: HTTP datasources and on-chain aggregator reads.
// Producers hand their output to a Sink, which persists snapshots and turns failures into
// fetch-error hits and admin alerts.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-health-alerts/internal/alerts"
	"oracle-health-alerts/internal/storage"
)

// FetchOrigin tags rollup hits raised by producers.
const FetchOrigin = "fetch"

// ErrInvalidPrice is returned for missing, non-numeric or non-positive prices.
var ErrInvalidPrice = errors.New("invalid price")

// Directory resolves admins and labels for fetch-error alerts.
type Directory interface {
	Admins(ctx context.Context) ([]storage.Recipient, error)
	LabelFor(pair storage.PairKey) string
}

// Recorder receives fetch-error rollup hits.
type Recorder interface {
	Record(ctx context.Context, at time.Time, hit storage.RollupHit) error
}

// Producer is the contract every fetcher writes through.
type Producer interface {
	RecordSnapshot(ctx context.Context, runID int64, pair storage.PairKey, source string, price decimal.Decimal, observedAt time.Time) error
	RecordFetchError(ctx context.Context, runID int64, pair storage.PairKey, source string, detail error) error
	RecordOracleSnapshot(ctx context.Context, runID int64, pair storage.PairKey, participant string, price decimal.Decimal, observedAt time.Time) error
	RecordOracleFetchError(ctx context.Context, runID int64, pair storage.PairKey, participant string, detail error) error
}

// Sink is the Producer backed by the snapshot store, alert manager and rollup recorder.
type Sink struct {
	store     storage.SnapshotStore
	directory Directory
	alerts    *alerts.Manager
	recorder  Recorder
	now       func() time.Time
	logger    zerolog.Logger
}

// NewSink constructs a Sink. A nil now uses the wall clock.
func NewSink(store storage.SnapshotStore, directory Directory, manager *alerts.Manager, recorder Recorder, now func() time.Time, logger zerolog.Logger) *Sink {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sink{
		store:     store,
		directory: directory,
		alerts:    manager,
		recorder:  recorder,
		now:       now,
		logger:    logger.With().Str("component", "producer").Logger(),
	}
}

// RecordSnapshot stores a datasource price and resolves any open fetch-error alert for the
// (pair, source). A non-positive price is recorded as a fetch error instead.
func (s *Sink) RecordSnapshot(ctx context.Context, runID int64, pair storage.PairKey, source string, price decimal.Decimal, observedAt time.Time) error {
	if !price.IsPositive() {
		return s.RecordFetchError(ctx, runID, pair, source, fmt.Errorf("%w: %s", ErrInvalidPrice, price))
	}
	err := s.store.InsertSnapshot(ctx, storage.KindDatasource, storage.Snapshot{
		RunID:      runID,
		Pair:       pair,
		EntityID:   source,
		Price:      price,
		ObservedAt: observedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("insert snapshot %s/%s: %w", pair, source, err)
	}

	admins, err := s.directory.Admins(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}
	var errs []error
	for _, admin := range admins {
		key := storage.AlertKey{RecipientID: admin.ID, Pair: pair, AlertType: alerts.FetchErrorType(source)}
		payload := alerts.Payload{Resolution: &alerts.ResolutionDetail{ResolvedRunID: runID, ResolvedAt: s.now()}}
		if _, err := s.alerts.Resolve(ctx, key, &payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordFetchError counts a fetch-error hit and opens a DS_FETCH_ERROR alert for every admin.
func (s *Sink) RecordFetchError(ctx context.Context, runID int64, pair storage.PairKey, source string, detail error) error {
	label := s.directory.LabelFor(pair)
	s.logger.Warn().Err(detail).Int64("run_id", runID).Str("pair", label).Str("source", source).Msg("datasource fetch failed")

	var errs []error
	if err := s.recorder.Record(ctx, s.now(), storage.RollupHit{
		Kind:     storage.KindDatasource,
		Pair:     pair,
		EntityID: source,
		Hit:      storage.HitFetchError,
		Origin:   FetchOrigin,
		RunID:    runID,
	}); err != nil {
		errs = append(errs, err)
	}

	admins, err := s.directory.Admins(ctx)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list admins: %w", err))...)
	}
	msg := fmt.Sprintf("Datasource %s fetch/parse error for %s on contract %s.", source, label, pair.Contract)
	payload := alerts.Payload{FetchError: &alerts.FetchErrorDetail{RunID: runID, Error: errorText(detail)}}
	for _, admin := range admins {
		key := storage.AlertKey{RecipientID: admin.ID, Pair: pair, AlertType: alerts.FetchErrorType(source)}
		if _, err := s.alerts.OpenOrRefresh(ctx, key, alerts.SeverityWarning, msg, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordOracleSnapshot stores one participant submission.
func (s *Sink) RecordOracleSnapshot(ctx context.Context, runID int64, pair storage.PairKey, participant string, price decimal.Decimal, observedAt time.Time) error {
	err := s.store.InsertSnapshot(ctx, storage.KindOracle, storage.Snapshot{
		RunID:      runID,
		Pair:       pair,
		EntityID:   participant,
		Price:      price,
		ObservedAt: observedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("insert oracle snapshot %s/%s: %w", pair, participant, err)
	}
	return nil
}

// RecordOracleFetchError counts a fetch-error hit for the participant. Inactivity detection
// covers the alerting side.
func (s *Sink) RecordOracleFetchError(ctx context.Context, runID int64, pair storage.PairKey, participant string, detail error) error {
	s.logger.Warn().Err(detail).Int64("run_id", runID).Str("pair", pair.String()).Str("participant", participant).Msg("oracle read failed")
	return s.recorder.Record(ctx, s.now(), storage.RollupHit{
		Kind:     storage.KindOracle,
		Pair:     pair,
		EntityID: participant,
		Hit:      storage.HitFetchError,
		Origin:   FetchOrigin,
		RunID:    runID,
	})
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ Producer = (*Sink)(nil)
