package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	beginRunSQL = `INSERT INTO ingest_runs (label) VALUES ($1)
    RETURNING id, label, started_at;`

	endRunSQL = `UPDATE ingest_runs SET ended_at = NOW()
    WHERE id = $1 AND ended_at IS NULL;`

	insertDatasourceSnapshotSQL = `INSERT INTO datasource_snapshots (
        run_id, chain_id, contract_address, source, price, observed_at
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	insertOracleSnapshotSQL = `INSERT INTO oracle_snapshots (
        run_id, chain_id, contract_address, participant, price, observed_at
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	freshDatasourceSnapshotsSQL = `SELECT DISTINCT ON (source)
        run_id, source, price::text, observed_at
    FROM datasource_snapshots
    WHERE chain_id = $1
      AND contract_address = $2
      AND observed_at >= $3
    ORDER BY source, observed_at DESC, id DESC;`

	latestDatasourceSnapshotsSQL = `SELECT run_id, source, price::text, observed_at
    FROM datasource_snapshots
    WHERE chain_id = $1 AND contract_address = $2 AND source = $3
    ORDER BY observed_at DESC, id DESC
    LIMIT $4;`

	latestOracleSnapshotsSQL = `SELECT run_id, participant, price::text, observed_at
    FROM oracle_snapshots
    WHERE chain_id = $1 AND contract_address = $2 AND participant = $3
    ORDER BY observed_at DESC, id DESC
    LIMIT $4;`

	datasourcePricesForRunsSQL = `SELECT run_id, price::text
    FROM datasource_snapshots
    WHERE chain_id = $1
      AND contract_address = $2
      AND run_id = ANY($3);`

	pruneDatasourceSnapshotsSQL = `DELETE FROM datasource_snapshots WHERE observed_at < $1;`
	pruneOracleSnapshotsSQL     = `DELETE FROM oracle_snapshots WHERE observed_at < $1;`

	insertAggregateSQL = `INSERT INTO price_aggregates (
        run_id, chain_id, contract_address, window_start, window_end,
        median, mean, source_count, used_count, discarded_sources
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (chain_id, contract_address, run_id) DO NOTHING;`

	listAggregatesSQL = `SELECT
        run_id, chain_id, contract_address, window_start, window_end,
        median::text, mean::text, source_count, used_count, discarded_sources, created_at
    FROM price_aggregates
    WHERE ($1::bigint = 0 OR (chain_id = $1 AND contract_address = $2))
      AND created_at >= $3
      AND created_at < $4
    ORDER BY created_at DESC, run_id DESC
    LIMIT $5;`

	getStallStateSQL = `SELECT status, consec_bad, consec_good, first_bad_run_id, last_seen_run_id
    FROM stall_state
    WHERE kind = $1 AND chain_id = $2 AND contract_address = $3 AND entity_id = $4;`

	upsertStallStateSQL = `INSERT INTO stall_state (
        kind, chain_id, contract_address, entity_id,
        status, consec_bad, consec_good, first_bad_run_id, last_seen_run_id
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    ON CONFLICT (kind, chain_id, contract_address, entity_id) DO UPDATE
    SET status           = EXCLUDED.status,
        consec_bad       = EXCLUDED.consec_bad,
        consec_good      = EXCLUDED.consec_good,
        first_bad_run_id = EXCLUDED.first_bad_run_id,
        last_seen_run_id = EXCLUDED.last_seen_run_id,
        updated_at       = NOW();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RunStore persists ingest runs.
type RunStore interface {
	BeginRun(ctx context.Context, label string) (IngestRun, error)
	EndRun(ctx context.Context, runID int64) error
}

// SnapshotStore persists and reads raw observations. Reads return newest first.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, kind EntityKind, snap Snapshot) error
	FreshDatasourceSnapshots(ctx context.Context, pair PairKey, since time.Time) ([]Snapshot, error)
	LatestSnapshots(ctx context.Context, kind EntityKind, pair PairKey, entityID string, limit int) ([]Snapshot, error)
	DatasourcePricesForRuns(ctx context.Context, pair PairKey, runIDs []int64) (map[int64][]decimal.Decimal, error)
	PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AggregateFilter narrows ListAggregates. A zero Pair lists every pair.
type AggregateFilter struct {
	Pair  PairKey
	From  time.Time
	To    time.Time
	Limit int
}

// AggregateStore persists consensus values. Inserts are append-only.
type AggregateStore interface {
	InsertAggregate(ctx context.Context, agg PriceAggregate) (bool, error)
	ListAggregates(ctx context.Context, filter AggregateFilter) ([]PriceAggregate, error)
}

// StallStateStore persists hysteresis state.
type StallStateStore interface {
	GetStallState(ctx context.Context, kind EntityKind, pair PairKey, entityID string) (StallState, bool, error)
	UpsertStallState(ctx context.Context, state StallState) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is the full persistence surface used by a sweep.
type Repository interface {
	RunStore
	SnapshotStore
	AggregateStore
	StallStateStore
	AlertStore
	RollupStore
	WindowStore
	RegistryStore
}

// Store implements Repository on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the session lock dies with the connection if this fails
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// BeginRun opens a new ingest run.
func (s *Store) BeginRun(ctx context.Context, label string) (IngestRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return IngestRun{}, err
	}
	var run IngestRun
	if err := pool.QueryRow(ctx, beginRunSQL, label).Scan(&run.ID, &run.Label, &run.StartedAt); err != nil {
		return IngestRun{}, fmt.Errorf("begin run: %w", err)
	}
	return run, nil
}

// EndRun stamps ended_at. Closing an already closed run is a no-op.
func (s *Store) EndRun(ctx context.Context, runID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, endRunSQL, runID); err != nil {
		return fmt.Errorf("end run %d: %w", runID, err)
	}
	return nil
}

// InsertSnapshot appends one observation.
func (s *Store) InsertSnapshot(ctx context.Context, kind EntityKind, snap Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	query := insertDatasourceSnapshotSQL
	if kind == KindOracle {
		query = insertOracleSnapshotSQL
	}
	if _, err := pool.Exec(ctx, query,
		snap.RunID,
		snap.Pair.ChainID,
		snap.Pair.Contract,
		snap.EntityID,
		snap.Price.String(),
		snap.ObservedAt,
	); err != nil {
		return fmt.Errorf("insert %s snapshot: %w", kind, err)
	}
	return nil
}

// FreshDatasourceSnapshots returns the newest snapshot per source observed at or after since.
func (s *Store) FreshDatasourceSnapshots(ctx context.Context, pair PairKey, since time.Time) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, freshDatasourceSnapshotsSQL, pair.ChainID, pair.Contract, since)
	if err != nil {
		return nil, fmt.Errorf("fresh datasource snapshots: %w", err)
	}
	return collectSnapshots(rows, pair)
}

// LatestSnapshots returns up to limit snapshots for one entity, newest first.
func (s *Store) LatestSnapshots(ctx context.Context, kind EntityKind, pair PairKey, entityID string, limit int) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query := latestDatasourceSnapshotsSQL
	if kind == KindOracle {
		query = latestOracleSnapshotsSQL
	}
	rows, err := pool.Query(ctx, query, pair.ChainID, pair.Contract, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("latest %s snapshots: %w", kind, err)
	}
	return collectSnapshots(rows, pair)
}

// DatasourcePricesForRuns groups every datasource price of the pair by run id.
func (s *Store) DatasourcePricesForRuns(ctx context.Context, pair PairKey, runIDs []int64) (map[int64][]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, datasourcePricesForRunsSQL, pair.ChainID, pair.Contract, runIDs)
	if err != nil {
		return nil, fmt.Errorf("datasource prices for runs: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]decimal.Decimal, len(runIDs))
	for rows.Next() {
		var (
			runID    int64
			priceStr string
		)
		if err := rows.Scan(&runID, &priceStr); err != nil {
			return nil, err
		}
		price, err := parseDecimal(priceStr, "price")
		if err != nil {
			return nil, err
		}
		out[runID] = append(out[runID], price)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// PruneSnapshotsBefore deletes snapshots of both kinds observed before cutoff.
func (s *Store) PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var total int64
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, query := range []string{pruneDatasourceSnapshotsSQL, pruneOracleSnapshotsSQL} {
			tag, execErr := tx.Exec(ctx, query, cutoff)
			if execErr != nil {
				return execErr
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return total, nil
}

// InsertAggregate appends an aggregate and reports whether a row was written.
func (s *Store) InsertAggregate(ctx context.Context, agg PriceAggregate) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	discarded := agg.DiscardedSources
	if discarded == nil {
		discarded = []string{}
	}
	discardedJSON, err := json.Marshal(discarded)
	if err != nil {
		return false, fmt.Errorf("encode discarded sources: %w", err)
	}
	tag, err := pool.Exec(ctx, insertAggregateSQL,
		agg.RunID,
		agg.Pair.ChainID,
		agg.Pair.Contract,
		agg.WindowStart,
		agg.WindowEnd,
		agg.Median.String(),
		agg.Mean.String(),
		agg.SourceCount,
		agg.UsedCount,
		discardedJSON,
	)
	if err != nil {
		return false, fmt.Errorf("insert aggregate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAggregates lists aggregates newest first.
func (s *Store) ListAggregates(ctx context.Context, filter AggregateFilter) ([]PriceAggregate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	to := filter.To
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := pool.Query(ctx, listAggregatesSQL, filter.Pair.ChainID, filter.Pair.Contract, filter.From, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	defer rows.Close()

	out := make([]PriceAggregate, 0, limit)
	for rows.Next() {
		var (
			agg                PriceAggregate
			medianStr, meanStr string
			discardedJSON      []byte
		)
		if err := rows.Scan(
			&agg.RunID,
			&agg.Pair.ChainID,
			&agg.Pair.Contract,
			&agg.WindowStart,
			&agg.WindowEnd,
			&medianStr,
			&meanStr,
			&agg.SourceCount,
			&agg.UsedCount,
			&discardedJSON,
			&agg.CreatedAt,
		); err != nil {
			return nil, err
		}
		if agg.Median, err = parseDecimal(medianStr, "median"); err != nil {
			return nil, err
		}
		if agg.Mean, err = parseDecimal(meanStr, "mean"); err != nil {
			return nil, err
		}
		if len(discardedJSON) > 0 {
			if err := json.Unmarshal(discardedJSON, &agg.DiscardedSources); err != nil {
				return nil, fmt.Errorf("decode discarded sources: %w", err)
			}
		}
		out = append(out, agg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// GetStallState loads hysteresis state. The bool is false when no row exists.
func (s *Store) GetStallState(ctx context.Context, kind EntityKind, pair PairKey, entityID string) (StallState, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return StallState{}, false, err
	}
	state := StallState{Kind: kind, Pair: pair, EntityID: entityID}
	var status string
	err = pool.QueryRow(ctx, getStallStateSQL, string(kind), pair.ChainID, pair.Contract, entityID).Scan(
		&status,
		&state.ConsecBad,
		&state.ConsecGood,
		&state.FirstBadRunID,
		&state.LastSeenRunID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return StallState{}, false, nil
	}
	if err != nil {
		return StallState{}, false, fmt.Errorf("get stall state: %w", err)
	}
	state.Status = StallStatus(status)
	return state, true, nil
}

// UpsertStallState writes hysteresis state.
func (s *Store) UpsertStallState(ctx context.Context, state StallState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertStallStateSQL,
		string(state.Kind),
		state.Pair.ChainID,
		state.Pair.Contract,
		state.EntityID,
		string(state.Status),
		state.ConsecBad,
		state.ConsecGood,
		state.FirstBadRunID,
		state.LastSeenRunID,
	); err != nil {
		return fmt.Errorf("upsert stall state: %w", err)
	}
	return nil
}

func collectSnapshots(rows pgx.Rows, pair PairKey) ([]Snapshot, error) {
	defer rows.Close()

	out := make([]Snapshot, 0)
	for rows.Next() {
		snap := Snapshot{Pair: pair}
		var priceStr string
		if err := rows.Scan(&snap.RunID, &snap.EntityID, &priceStr, &snap.ObservedAt); err != nil {
			return nil, err
		}
		price, err := parseDecimal(priceStr, "price")
		if err != nil {
			return nil, err
		}
		snap.Price = price
		out = append(out, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func parseDecimal(raw, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseOptionalDecimal(raw *string, field string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := parseDecimal(*raw, field)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalDecimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
