// Package registry answers who owns what and which pairs, sources and participants exist.
// Lookups are cached for the duration of one sweep; Reset starts a fresh view.
package registry

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"

	"oracle-health-alerts/internal/storage"
)

type ownerKey struct {
	chainID     int64
	participant string
}

// Registry is a read-through cache over storage.RegistryStore.
type Registry struct {
	store storage.RegistryStore

	pairs  *xsync.Map[storage.PairKey, storage.Pair]
	owners *xsync.Map[ownerKey, []storage.Recipient]
	admins *xsync.Map[struct{}, []storage.Recipient]
}

// New constructs a registry.
func New(store storage.RegistryStore) *Registry {
	return &Registry{
		store:  store,
		pairs:  xsync.NewMap[storage.PairKey, storage.Pair](),
		owners: xsync.NewMap[ownerKey, []storage.Recipient](),
		admins: xsync.NewMap[struct{}, []storage.Recipient](),
	}
}

// Reset drops cached lookups.
func (r *Registry) Reset() {
	r.pairs.Clear()
	r.owners.Clear()
	r.admins.Clear()
}

// ActivePairs lists active pairs and primes the label cache with every pair.
func (r *Registry) ActivePairs(ctx context.Context) ([]storage.Pair, error) {
	all, err := r.store.ListPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	active := make([]storage.Pair, 0, len(all))
	for _, p := range all {
		r.pairs.Store(p.Key, p)
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}

// LabelFor returns the human label of a pair, falling back to base/quote then chain:contract.
func (r *Registry) LabelFor(pair storage.PairKey) string {
	p, ok := r.pairs.Load(pair)
	if !ok {
		return pair.String()
	}
	switch {
	case p.Label != "":
		return p.Label
	case p.Base != "" && p.Quote != "":
		return p.Base + "/" + p.Quote
	default:
		return pair.String()
	}
}

// SourcesFor lists the datasource mappings of a pair.
func (r *Registry) SourcesFor(ctx context.Context, pair storage.PairKey) ([]storage.DatasourcePair, error) {
	return r.store.DatasourcePairs(ctx, pair)
}

// ParticipantsFor lists oracle participants of a pair.
func (r *Registry) ParticipantsFor(ctx context.Context, pair storage.PairKey) ([]string, error) {
	return r.store.ParticipantsFor(ctx, pair)
}

// OwnersOf lists the owners of a participant.
func (r *Registry) OwnersOf(ctx context.Context, chainID int64, participant string) ([]storage.Recipient, error) {
	key := ownerKey{chainID: chainID, participant: participant}
	if cached, ok := r.owners.Load(key); ok {
		return cached, nil
	}
	owners, err := r.store.OwnersOf(ctx, chainID, participant)
	if err != nil {
		return nil, err
	}
	r.owners.Store(key, owners)
	return owners, nil
}

// Admins lists administrators.
func (r *Registry) Admins(ctx context.Context) ([]storage.Recipient, error) {
	if cached, ok := r.admins.Load(struct{}{}); ok {
		return cached, nil
	}
	admins, err := r.store.Admins(ctx)
	if err != nil {
		return nil, err
	}
	r.admins.Store(struct{}{}, admins)
	return admins, nil
}

// IsAdmin reports whether recipientID is an administrator.
func (r *Registry) IsAdmin(ctx context.Context, recipientID string) (bool, error) {
	rec, found, err := r.store.GetRecipient(ctx, recipientID)
	if err != nil || !found {
		return false, err
	}
	return rec.IsAdmin, nil
}

// Recipient loads one recipient.
func (r *Registry) Recipient(ctx context.Context, recipientID string) (storage.Recipient, bool, error) {
	return r.store.GetRecipient(ctx, recipientID)
}

// DisableNotifications flags a recipient as unreachable and drops cached owner lists.
func (r *Registry) DisableNotifications(ctx context.Context, recipientID string) error {
	if err := r.store.DisableNotifications(ctx, recipientID); err != nil {
		return err
	}
	r.owners.Clear()
	return nil
}

// DatasourceAPIs lists datasource endpoint descriptions.
func (r *Registry) DatasourceAPIs(ctx context.Context) ([]storage.DatasourceAPI, error) {
	return r.store.DatasourceAPIs(ctx)
}

// AllDatasourcePairs lists source mappings of every active pair.
func (r *Registry) AllDatasourcePairs(ctx context.Context) ([]storage.DatasourcePair, error) {
	return r.store.AllDatasourcePairs(ctx)
}
