package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	listPairsSQL = `SELECT chain_id, contract_address, COALESCE(label, ''), base, quote, active
    FROM pairs
    ORDER BY chain_id, contract_address;`

	datasourcePairsSQL = `SELECT source, chain_id, contract_address, datasource_pair_id
    FROM datasource_pairs
    WHERE chain_id = $1 AND contract_address = $2
    ORDER BY source;`

	allDatasourcePairsSQL = `SELECT dp.source, dp.chain_id, dp.contract_address, dp.datasource_pair_id
    FROM datasource_pairs dp
    JOIN pairs p ON p.chain_id = dp.chain_id AND p.contract_address = dp.contract_address
    WHERE p.active
    ORDER BY dp.source, dp.chain_id, dp.contract_address;`

	participantsForSQL = `SELECT participant
    FROM participant_pairs
    WHERE chain_id = $1 AND contract_address = $2
    ORDER BY participant;`

	ownersOfSQL = `SELECT r.recipient_id, COALESCE(r.display_name, ''), r.accepts_notifications, r.is_admin
    FROM participant_owners po
    JOIN recipients r ON r.recipient_id = po.recipient_id
    WHERE po.chain_id = $1 AND po.participant = $2
    ORDER BY r.recipient_id;`

	adminsSQL = `SELECT recipient_id, COALESCE(display_name, ''), accepts_notifications, is_admin
    FROM recipients
    WHERE is_admin
    ORDER BY recipient_id;`

	getRecipientSQL = `SELECT recipient_id, COALESCE(display_name, ''), accepts_notifications, is_admin
    FROM recipients
    WHERE recipient_id = $1;`

	disableNotificationsSQL = `UPDATE recipients
    SET accepts_notifications = FALSE, updated_at = NOW()
    WHERE recipient_id = $1;`

	datasourceAPIsSQL = `SELECT name, base_url, response_path, headers
    FROM datasources
    ORDER BY name;`
)

// RegistryStore reads registry tables. DisableNotifications is the only write.
type RegistryStore interface {
	ListPairs(ctx context.Context) ([]Pair, error)
	DatasourcePairs(ctx context.Context, pair PairKey) ([]DatasourcePair, error)
	AllDatasourcePairs(ctx context.Context) ([]DatasourcePair, error)
	ParticipantsFor(ctx context.Context, pair PairKey) ([]string, error)
	OwnersOf(ctx context.Context, chainID int64, participant string) ([]Recipient, error)
	Admins(ctx context.Context) ([]Recipient, error)
	GetRecipient(ctx context.Context, recipientID string) (Recipient, bool, error)
	DisableNotifications(ctx context.Context, recipientID string) error
	DatasourceAPIs(ctx context.Context) ([]DatasourceAPI, error)
}

// ListPairs lists every registered pair, active or not.
func (s *Store) ListPairs(ctx context.Context) ([]Pair, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listPairsSQL)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	out := make([]Pair, 0)
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key.ChainID, &p.Key.Contract, &p.Label, &p.Base, &p.Quote, &p.Active); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DatasourcePairs lists the sources configured for a pair.
func (s *Store) DatasourcePairs(ctx context.Context, pair PairKey) ([]DatasourcePair, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, datasourcePairsSQL, pair.ChainID, pair.Contract)
	if err != nil {
		return nil, fmt.Errorf("datasource pairs: %w", err)
	}
	return collectDatasourcePairs(rows)
}

// AllDatasourcePairs lists source mappings of every active pair.
func (s *Store) AllDatasourcePairs(ctx context.Context) ([]DatasourcePair, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, allDatasourcePairsSQL)
	if err != nil {
		return nil, fmt.Errorf("all datasource pairs: %w", err)
	}
	return collectDatasourcePairs(rows)
}

// ParticipantsFor lists oracle participants reporting on a pair.
func (s *Store) ParticipantsFor(ctx context.Context, pair PairKey) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, participantsForSQL, pair.ChainID, pair.Contract)
	if err != nil {
		return nil, fmt.Errorf("participants for %s: %w", pair, err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// OwnersOf lists recipients owning a participant on a chain.
func (s *Store) OwnersOf(ctx context.Context, chainID int64, participant string) ([]Recipient, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, ownersOfSQL, chainID, participant)
	if err != nil {
		return nil, fmt.Errorf("owners of %s: %w", participant, err)
	}
	return collectRecipients(rows)
}

// Admins lists administrator recipients.
func (s *Store) Admins(ctx context.Context) ([]Recipient, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, adminsSQL)
	if err != nil {
		return nil, fmt.Errorf("admins: %w", err)
	}
	return collectRecipients(rows)
}

// GetRecipient loads one recipient.
func (s *Store) GetRecipient(ctx context.Context, recipientID string) (Recipient, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Recipient{}, false, err
	}
	var r Recipient
	err = pool.QueryRow(ctx, getRecipientSQL, recipientID).Scan(&r.ID, &r.DisplayName, &r.AcceptsNotifications, &r.IsAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recipient{}, false, nil
	}
	if err != nil {
		return Recipient{}, false, fmt.Errorf("get recipient: %w", err)
	}
	return r, true, nil
}

// DisableNotifications clears accepts_notifications for a recipient.
func (s *Store) DisableNotifications(ctx context.Context, recipientID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, disableNotificationsSQL, recipientID); err != nil {
		return fmt.Errorf("disable notifications: %w", err)
	}
	return nil
}

// DatasourceAPIs lists datasource endpoint descriptions.
func (s *Store) DatasourceAPIs(ctx context.Context) ([]DatasourceAPI, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, datasourceAPIsSQL)
	if err != nil {
		return nil, fmt.Errorf("datasource apis: %w", err)
	}
	defer rows.Close()

	out := make([]DatasourceAPI, 0)
	for rows.Next() {
		var (
			api     DatasourceAPI
			headers []byte
		)
		if err := rows.Scan(&api.Name, &api.BaseURL, &api.ResponsePath, &headers); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &api.Headers); err != nil {
				return nil, fmt.Errorf("decode headers of %s: %w", api.Name, err)
			}
		}
		out = append(out, api)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectDatasourcePairs(rows pgx.Rows) ([]DatasourcePair, error) {
	defer rows.Close()

	out := make([]DatasourcePair, 0)
	for rows.Next() {
		var dp DatasourcePair
		if err := rows.Scan(&dp.Source, &dp.Pair.ChainID, &dp.Pair.Contract, &dp.DatasourcePairID); err != nil {
			return nil, err
		}
		out = append(out, dp)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectRecipients(rows pgx.Rows) ([]Recipient, error) {
	defer rows.Close()

	out := make([]Recipient, 0)
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.AcceptsNotifications, &r.IsAdmin); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
