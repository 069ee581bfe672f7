package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	findOpenAlertSQL = `SELECT id, severity, message, extra, opened_at
    FROM alerts
    WHERE recipient_id = $1
      AND chain_id = $2
      AND contract_address = $3
      AND participant = $4
      AND alert_type = $5
      AND resolved_at IS NULL;`

	insertAlertSQL = `INSERT INTO alerts (
        recipient_id, chain_id, contract_address, participant, alert_type,
        severity, message, extra
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (recipient_id, chain_id, contract_address, participant, alert_type)
        WHERE resolved_at IS NULL DO NOTHING
    RETURNING id, opened_at;`

	updateAlertExtraSQL = `UPDATE alerts SET extra = $2 WHERE id = $1 AND resolved_at IS NULL;`

	resolveAlertSQL = `UPDATE alerts SET extra = $2, resolved_at = $3
    WHERE id = $1 AND resolved_at IS NULL;`

	listAlertsSQL = `SELECT
        id, recipient_id, chain_id, contract_address, participant, alert_type,
        severity, message, extra, opened_at, resolved_at
    FROM alerts
    WHERE ($1::boolean = FALSE OR resolved_at IS NULL)
      AND ($2::bigint = 0 OR (chain_id = $2 AND contract_address = $3))
      AND ($4::text = '' OR alert_type LIKE $4 || '%')
      AND opened_at >= $5
    ORDER BY opened_at DESC, id DESC
    LIMIT $6;`

	bumpRollupSQL = `WITH event AS (
        INSERT INTO rollup_events (
            window_start, kind, chain_id, contract_address, entity_id, run_id, origin
        ) VALUES ($1,$3,$4,$5,$6,$7,$8)
        ON CONFLICT DO NOTHING
        RETURNING 1
    )
    INSERT INTO health_rollups (
        window_start, window_end, kind, chain_id, contract_address, entity_id,
        ok_hits, stalled_hits, outlier_hits, fetch_error_hits, open_at_end,
        last_dev_pct, last_span_sec, last_median, last_price,
        first_seen_run_id, last_seen_run_id
    )
    SELECT $1::timestamptz, $2::timestamptz, $3::text, $4::bigint, $5::text, $6::text,
        $9::int, $10::int, $11::int, $12::int, $13::boolean,
        $14::numeric, $15::numeric, $16::numeric, $17::numeric,
        $7::bigint, $7::bigint
    FROM event
    ON CONFLICT (window_start, kind, chain_id, contract_address, entity_id) DO UPDATE
    SET ok_hits           = health_rollups.ok_hits + EXCLUDED.ok_hits,
        stalled_hits      = health_rollups.stalled_hits + EXCLUDED.stalled_hits,
        outlier_hits      = health_rollups.outlier_hits + EXCLUDED.outlier_hits,
        fetch_error_hits  = health_rollups.fetch_error_hits + EXCLUDED.fetch_error_hits,
        open_at_end       = EXCLUDED.open_at_end,
        last_dev_pct      = EXCLUDED.last_dev_pct,
        last_span_sec     = EXCLUDED.last_span_sec,
        last_median       = EXCLUDED.last_median,
        last_price        = EXCLUDED.last_price,
        first_seen_run_id = COALESCE(health_rollups.first_seen_run_id, EXCLUDED.first_seen_run_id),
        last_seen_run_id  = EXCLUDED.last_seen_run_id;`

	listRollupsSQL = `SELECT
        window_start, window_end, kind, chain_id, contract_address, entity_id,
        ok_hits, stalled_hits, outlier_hits, fetch_error_hits, open_at_end,
        last_dev_pct::text, last_span_sec::text, last_median::text, last_price::text,
        first_seen_run_id, last_seen_run_id
    FROM health_rollups
    WHERE window_start = $1
      AND ($2::text = '' OR kind = $2)
    ORDER BY kind, chain_id, contract_address, entity_id;`

	ensureWindowSQL = `INSERT INTO summary_windows (window_start, window_end, created_by_run_id)
    VALUES ($1,$2,$3)
    ON CONFLICT (window_start) DO NOTHING;`

	pendingWindowsSQL = `SELECT ` + windowColumns + `
    FROM summary_windows
    WHERE window_end <= $2
      AND window_start >= $1
      AND NOT (owners_done AND admin_oracle_done AND admin_ds_done)
    ORDER BY window_start;`

	getWindowSQL = `SELECT ` + windowColumns + `
    FROM summary_windows
    WHERE window_start = $1;`

	windowColumns = `window_start, window_end, owners_done, admin_oracle_done, admin_ds_done,
        created_by_run_id, processed_at`
)

var markWindowDoneSQL = map[Audience]string{
	AudienceOwners:          `UPDATE summary_windows SET owners_done = TRUE, processed_at = NOW() WHERE window_start = $1;`,
	AudienceAdminOracle:     `UPDATE summary_windows SET admin_oracle_done = TRUE, processed_at = NOW() WHERE window_start = $1;`,
	AudienceAdminDatasource: `UPDATE summary_windows SET admin_ds_done = TRUE, processed_at = NOW() WHERE window_start = $1;`,
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	OpenOnly   bool
	Pair       PairKey
	TypePrefix string
	Since      time.Time
	Limit      int
}

// AlertStore persists alert lifecycles. At most one open row exists per AlertKey.
type AlertStore interface {
	FindOpenAlert(ctx context.Context, key AlertKey) (AlertRecord, bool, error)
	InsertAlert(ctx context.Context, rec AlertRecord) (AlertRecord, bool, error)
	UpdateAlertExtra(ctx context.Context, id int64, extra json.RawMessage) error
	ResolveAlert(ctx context.Context, id int64, extra json.RawMessage, at time.Time) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]AlertRecord, error)
}

// RollupStore accumulates evaluations per window. A replayed (run, origin) bump is a no-op.
type RollupStore interface {
	BumpRollup(ctx context.Context, hit RollupHit) (bool, error)
	ListRollups(ctx context.Context, windowStart time.Time, kind EntityKind) ([]HealthRollup, error)
}

// WindowStore persists the summary window ledger.
type WindowStore interface {
	EnsureWindow(ctx context.Context, start, end time.Time, runID int64) error
	PendingWindows(ctx context.Context, since, now time.Time) ([]SummaryWindow, error)
	GetWindow(ctx context.Context, start time.Time) (SummaryWindow, bool, error)
	MarkWindowDone(ctx context.Context, start time.Time, audience Audience) error
}

// FindOpenAlert returns the open alert for key, if any.
func (s *Store) FindOpenAlert(ctx context.Context, key AlertKey) (AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, false, err
	}
	rec := AlertRecord{Key: key}
	err = pool.QueryRow(ctx, findOpenAlertSQL,
		key.RecipientID, key.Pair.ChainID, key.Pair.Contract, key.Participant, key.AlertType,
	).Scan(&rec.ID, &rec.Severity, &rec.Message, &rec.Extra, &rec.OpenedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AlertRecord{}, false, nil
	}
	if err != nil {
		return AlertRecord{}, false, fmt.Errorf("find open alert %s: %w", key.AlertType, err)
	}
	return rec, true, nil
}

// InsertAlert opens an alert. The bool is false when an open row already holds the key.
func (s *Store) InsertAlert(ctx context.Context, rec AlertRecord) (AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, false, err
	}
	err = pool.QueryRow(ctx, insertAlertSQL,
		rec.Key.RecipientID,
		rec.Key.Pair.ChainID,
		rec.Key.Pair.Contract,
		rec.Key.Participant,
		rec.Key.AlertType,
		rec.Severity,
		rec.Message,
		[]byte(rec.Extra),
	).Scan(&rec.ID, &rec.OpenedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AlertRecord{}, false, nil
	}
	if err != nil {
		return AlertRecord{}, false, fmt.Errorf("insert alert %s: %w", rec.Key.AlertType, err)
	}
	return rec, true, nil
}

// UpdateAlertExtra replaces the payload of an open alert.
func (s *Store) UpdateAlertExtra(ctx context.Context, id int64, extra json.RawMessage) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, updateAlertExtraSQL, id, []byte(extra)); err != nil {
		return fmt.Errorf("update alert extra: %w", err)
	}
	return nil
}

// ResolveAlert closes an open alert with its final payload.
func (s *Store) ResolveAlert(ctx context.Context, id int64, extra json.RawMessage, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, resolveAlertSQL, id, []byte(extra), at); err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	return nil
}

// ListAlerts lists alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := pool.Query(ctx, listAlertsSQL,
		filter.OpenOnly, filter.Pair.ChainID, filter.Pair.Contract, filter.TypePrefix, filter.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Key.RecipientID,
			&rec.Key.Pair.ChainID,
			&rec.Key.Pair.Contract,
			&rec.Key.Participant,
			&rec.Key.AlertType,
			&rec.Severity,
			&rec.Message,
			&rec.Extra,
			&rec.OpenedAt,
			&rec.ResolvedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// BumpRollup applies one hit. The bool is false when the (run, origin) was already counted.
func (s *Store) BumpRollup(ctx context.Context, hit RollupHit) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	ok, stalled, outlier, fetchErr := hitCounters(hit.Hit)
	tag, err := pool.Exec(ctx, bumpRollupSQL,
		hit.WindowStart,
		hit.WindowEnd,
		string(hit.Kind),
		hit.Pair.ChainID,
		hit.Pair.Contract,
		hit.EntityID,
		hit.RunID,
		hit.Origin,
		ok,
		stalled,
		outlier,
		fetchErr,
		hit.Open,
		optionalDecimalString(hit.DevPct),
		optionalDecimalString(hit.SpanSec),
		optionalDecimalString(hit.Median),
		optionalDecimalString(hit.Price),
	)
	if err != nil {
		return false, fmt.Errorf("bump rollup: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRollups lists rows of one window. An empty kind lists both kinds.
func (s *Store) ListRollups(ctx context.Context, windowStart time.Time, kind EntityKind) ([]HealthRollup, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRollupsSQL, windowStart, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list rollups: %w", err)
	}
	defer rows.Close()

	out := make([]HealthRollup, 0)
	for rows.Next() {
		var (
			row                            HealthRollup
			kindStr                        string
			devPct, spanSec, median, price *string
		)
		if err := rows.Scan(
			&row.WindowStart,
			&row.WindowEnd,
			&kindStr,
			&row.Pair.ChainID,
			&row.Pair.Contract,
			&row.EntityID,
			&row.OKHits,
			&row.StalledHits,
			&row.OutlierHits,
			&row.FetchErrorHits,
			&row.OpenAtEnd,
			&devPct,
			&spanSec,
			&median,
			&price,
			&row.FirstSeenRunID,
			&row.LastSeenRunID,
		); err != nil {
			return nil, err
		}
		row.Kind = EntityKind(kindStr)
		if row.LastDevPct, err = parseOptionalDecimal(devPct, "last_dev_pct"); err != nil {
			return nil, err
		}
		if row.LastSpanSec, err = parseOptionalDecimal(spanSec, "last_span_sec"); err != nil {
			return nil, err
		}
		if row.LastMedian, err = parseOptionalDecimal(median, "last_median"); err != nil {
			return nil, err
		}
		if row.LastPrice, err = parseOptionalDecimal(price, "last_price"); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// EnsureWindow creates the ledger row for a window if missing.
func (s *Store) EnsureWindow(ctx context.Context, start, end time.Time, runID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ensureWindowSQL, start, end, runID); err != nil {
		return fmt.Errorf("ensure window: %w", err)
	}
	return nil
}

// PendingWindows lists closed windows starting at or after since with any flag still unset.
func (s *Store) PendingWindows(ctx context.Context, since, now time.Time) ([]SummaryWindow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pendingWindowsSQL, since, now)
	if err != nil {
		return nil, fmt.Errorf("pending windows: %w", err)
	}
	defer rows.Close()

	out := make([]SummaryWindow, 0)
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// GetWindow loads one ledger row.
func (s *Store) GetWindow(ctx context.Context, start time.Time) (SummaryWindow, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return SummaryWindow{}, false, err
	}
	w, err := scanWindow(pool.QueryRow(ctx, getWindowSQL, start))
	if errors.Is(err, pgx.ErrNoRows) {
		return SummaryWindow{}, false, nil
	}
	if err != nil {
		return SummaryWindow{}, false, fmt.Errorf("get window: %w", err)
	}
	return w, true, nil
}

// MarkWindowDone sets one audience flag.
func (s *Store) MarkWindowDone(ctx context.Context, start time.Time, audience Audience) error {
	query, ok := markWindowDoneSQL[audience]
	if !ok {
		return fmt.Errorf("unknown audience %q", audience)
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, query, start); err != nil {
		return fmt.Errorf("mark window %s done: %w", audience, err)
	}
	return nil
}

func scanWindow(row pgx.Row) (SummaryWindow, error) {
	var w SummaryWindow
	err := row.Scan(
		&w.Start,
		&w.End,
		&w.OwnersDone,
		&w.AdminOracleDone,
		&w.AdminDatasourceDone,
		&w.CreatedByRunID,
		&w.ProcessedAt,
	)
	return w, err
}

func hitCounters(kind HitKind) (ok, stalled, outlier, fetchErr int) {
	switch kind {
	case HitOK:
		return 1, 0, 0, 0
	case HitStalled:
		return 0, 1, 0, 0
	case HitOutlier:
		return 0, 0, 1, 0
	case HitFetchError:
		return 0, 0, 0, 1
	default:
		return 0, 0, 0, 0
	}
}
