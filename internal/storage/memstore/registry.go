package memstore

import (
	"context"
	"sort"

	"oracle-health-alerts/internal/storage"
)

// AddPair registers a pair.
func (s *Store) AddPair(p storage.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Key = storage.NewPairKey(p.Key.ChainID, p.Key.Contract)
	s.pairs[p.Key] = p
}

// AddDatasource registers a datasource endpoint.
func (s *Store) AddDatasource(api storage.DatasourceAPI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apis[api.Name] = api
}

// MapSource configures source for pair under the source's own identifier.
func (s *Store) MapSource(source string, pair storage.PairKey, datasourcePairID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourcePairs = append(s.sourcePairs, storage.DatasourcePair{
		Source:           source,
		Pair:             pair,
		DatasourcePairID: datasourcePairID,
	})
}

// AddParticipant links an oracle participant to a pair.
func (s *Store) AddParticipant(pair storage.PairKey, participant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[pair] = append(s.participants[pair], participant)
}

// AddRecipient registers or replaces a recipient.
func (s *Store) AddRecipient(r storage.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[r.ID] = r
}

// AssignOwner makes recipientID an owner of participant on chainID.
func (s *Store) AssignOwner(chainID int64, participant, recipientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ownerKey{chainID: chainID, participant: participant}
	s.owners[key] = append(s.owners[key], recipientID)
}

// ListPairs implements storage.RegistryStore.
func (s *Store) ListPairs(context.Context) ([]storage.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Pair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.ChainID != out[j].Key.ChainID {
			return out[i].Key.ChainID < out[j].Key.ChainID
		}
		return out[i].Key.Contract < out[j].Key.Contract
	})
	return out, nil
}

// DatasourcePairs implements storage.RegistryStore.
func (s *Store) DatasourcePairs(_ context.Context, pair storage.PairKey) ([]storage.DatasourcePair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.DatasourcePair, 0)
	for _, dp := range s.sourcePairs {
		if dp.Pair == pair {
			out = append(out, dp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// AllDatasourcePairs implements storage.RegistryStore.
func (s *Store) AllDatasourcePairs(context.Context) ([]storage.DatasourcePair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.DatasourcePair, 0, len(s.sourcePairs))
	for _, dp := range s.sourcePairs {
		if p, ok := s.pairs[dp.Pair]; ok && p.Active {
			out = append(out, dp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// ParticipantsFor implements storage.RegistryStore.
func (s *Store) ParticipantsFor(_ context.Context, pair storage.PairKey) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.participants[pair]...)
	sort.Strings(out)
	return out, nil
}

// OwnersOf implements storage.RegistryStore.
func (s *Store) OwnersOf(_ context.Context, chainID int64, participant string) ([]storage.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.owners[ownerKey{chainID: chainID, participant: participant}]
	out := make([]storage.Recipient, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.recipients[id]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Admins implements storage.RegistryStore.
func (s *Store) Admins(context.Context) ([]storage.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Recipient, 0)
	for _, r := range s.recipients {
		if r.IsAdmin {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRecipient implements storage.RegistryStore.
func (s *Store) GetRecipient(_ context.Context, recipientID string) (storage.Recipient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[recipientID]
	return r, ok, nil
}

// DisableNotifications implements storage.RegistryStore.
func (s *Store) DisableNotifications(_ context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recipients[recipientID]; ok {
		r.AcceptsNotifications = false
		s.recipients[recipientID] = r
	}
	return nil
}

// DatasourceAPIs implements storage.RegistryStore.
func (s *Store) DatasourceAPIs(context.Context) ([]storage.DatasourceAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.DatasourceAPI, 0, len(s.apis))
	for _, api := range s.apis {
		out = append(out, api)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
