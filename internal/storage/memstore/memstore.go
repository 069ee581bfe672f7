// Package memstore is an in-process storage.Repository used by dry runs and tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"oracle-health-alerts/internal/storage"
)

type snapshotRow struct {
	seq  int64
	snap storage.Snapshot
}

type stallKey struct {
	kind   storage.EntityKind
	pair   storage.PairKey
	entity string
}

type rollupKey struct {
	window int64
	kind   storage.EntityKind
	pair   storage.PairKey
	entity string
}

type eventKey struct {
	row    rollupKey
	runID  int64
	origin string
}

type aggregateKey struct {
	pair  storage.PairKey
	runID int64
}

type ownerKey struct {
	chainID     int64
	participant string
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	seq        int64
	runs       map[int64]*storage.IngestRun
	datasource []snapshotRow
	oracle     []snapshotRow
	aggregates map[aggregateKey]storage.PriceAggregate
	aggOrder   []aggregateKey
	stall      map[stallKey]storage.StallState
	alerts     []storage.AlertRecord
	rollups    map[rollupKey]*storage.HealthRollup
	events     map[eventKey]struct{}
	windows    map[int64]*storage.SummaryWindow

	pairs        map[storage.PairKey]storage.Pair
	apis         map[string]storage.DatasourceAPI
	sourcePairs  []storage.DatasourcePair
	participants map[storage.PairKey][]string
	owners       map[ownerKey][]string
	recipients   map[string]storage.Recipient
}

var (
	_ storage.Repository     = (*Store)(nil)
	_ storage.AdvisoryLocker = (*Store)(nil)
)

// New returns an empty store using the wall clock.
func New() *Store {
	return NewWithClock(func() time.Time { return time.Now().UTC() })
}

// NewWithClock returns an empty store stamping rows with now().
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:          now,
		runs:         make(map[int64]*storage.IngestRun),
		aggregates:   make(map[aggregateKey]storage.PriceAggregate),
		stall:        make(map[stallKey]storage.StallState),
		rollups:      make(map[rollupKey]*storage.HealthRollup),
		events:       make(map[eventKey]struct{}),
		windows:      make(map[int64]*storage.SummaryWindow),
		pairs:        make(map[storage.PairKey]storage.Pair),
		apis:         make(map[string]storage.DatasourceAPI),
		participants: make(map[storage.PairKey][]string),
		owners:       make(map[ownerKey][]string),
		recipients:   make(map[string]storage.Recipient),
	}
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

// TryAdvisoryLock always succeeds; a memstore is never shared between processes.
func (s *Store) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, true, nil
}

// BeginRun implements storage.RunStore.
func (s *Store) BeginRun(_ context.Context, label string) (storage.IngestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := storage.IngestRun{ID: s.nextSeq(), Label: label, StartedAt: s.now()}
	s.runs[run.ID] = &run
	return run, nil
}

// EndRun implements storage.RunStore.
func (s *Store) EndRun(_ context.Context, runID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("end run %d: not found", runID)
	}
	if run.EndedAt == nil {
		ended := s.now()
		run.EndedAt = &ended
	}
	return nil
}

// Run returns a copy of a run row.
func (s *Store) Run(runID int64) (storage.IngestRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return storage.IngestRun{}, false
	}
	return *run, true
}

// InsertSnapshot implements storage.SnapshotStore.
func (s *Store) InsertSnapshot(_ context.Context, kind storage.EntityKind, snap storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := snapshotRow{seq: s.nextSeq(), snap: snap}
	if kind == storage.KindOracle {
		s.oracle = append(s.oracle, row)
	} else {
		s.datasource = append(s.datasource, row)
	}
	return nil
}

// FreshDatasourceSnapshots implements storage.SnapshotStore.
func (s *Store) FreshDatasourceSnapshots(_ context.Context, pair storage.PairKey, since time.Time) ([]storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newest := make(map[string]snapshotRow)
	for _, row := range s.datasource {
		if row.snap.Pair != pair || row.snap.ObservedAt.Before(since) {
			continue
		}
		cur, ok := newest[row.snap.EntityID]
		if !ok || newerThan(row, cur) {
			newest[row.snap.EntityID] = row
		}
	}
	out := make([]storage.Snapshot, 0, len(newest))
	for _, row := range newest {
		out = append(out, row.snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// LatestSnapshots implements storage.SnapshotStore.
func (s *Store) LatestSnapshots(_ context.Context, kind storage.EntityKind, pair storage.PairKey, entityID string, limit int) ([]storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	source := s.datasource
	if kind == storage.KindOracle {
		source = s.oracle
	}
	matched := make([]snapshotRow, 0)
	for _, row := range source {
		if row.snap.Pair == pair && row.snap.EntityID == entityID {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return newerThan(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]storage.Snapshot, len(matched))
	for i, row := range matched {
		out[i] = row.snap
	}
	return out, nil
}

// DatasourcePricesForRuns implements storage.SnapshotStore.
func (s *Store) DatasourcePricesForRuns(_ context.Context, pair storage.PairKey, runIDs []int64) (map[int64][]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[int64]bool, len(runIDs))
	for _, id := range runIDs {
		wanted[id] = true
	}
	out := make(map[int64][]decimal.Decimal, len(runIDs))
	for _, row := range s.datasource {
		if row.snap.Pair == pair && wanted[row.snap.RunID] {
			out[row.snap.RunID] = append(out[row.snap.RunID], row.snap.Price)
		}
	}
	return out, nil
}

// PruneSnapshotsBefore implements storage.SnapshotStore.
func (s *Store) PruneSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	keep := func(rows []snapshotRow) []snapshotRow {
		out := rows[:0]
		for _, row := range rows {
			if row.snap.ObservedAt.Before(cutoff) {
				removed++
				continue
			}
			out = append(out, row)
		}
		return out
	}
	s.datasource = keep(s.datasource)
	s.oracle = keep(s.oracle)
	return removed, nil
}

// InsertAggregate implements storage.AggregateStore.
func (s *Store) InsertAggregate(_ context.Context, agg storage.PriceAggregate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := aggregateKey{pair: agg.Pair, runID: agg.RunID}
	if _, exists := s.aggregates[key]; exists {
		return false, nil
	}
	agg.CreatedAt = s.now()
	agg.DiscardedSources = append([]string(nil), agg.DiscardedSources...)
	s.aggregates[key] = agg
	s.aggOrder = append(s.aggOrder, key)
	return true, nil
}

// ListAggregates implements storage.AggregateStore.
func (s *Store) ListAggregates(_ context.Context, filter storage.AggregateFilter) ([]storage.PriceAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.PriceAggregate, 0)
	for i := len(s.aggOrder) - 1; i >= 0; i-- {
		agg := s.aggregates[s.aggOrder[i]]
		if filter.Pair.ChainID != 0 && agg.Pair != filter.Pair {
			continue
		}
		if agg.CreatedAt.Before(filter.From) || (!filter.To.IsZero() && !agg.CreatedAt.Before(filter.To)) {
			continue
		}
		out = append(out, agg)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// GetStallState implements storage.StallStateStore.
func (s *Store) GetStallState(_ context.Context, kind storage.EntityKind, pair storage.PairKey, entityID string) (storage.StallState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stall[stallKey{kind, pair, entityID}]
	return state, ok, nil
}

// UpsertStallState implements storage.StallStateStore.
func (s *Store) UpsertStallState(_ context.Context, state storage.StallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall[stallKey{state.Kind, state.Pair, state.EntityID}] = state
	return nil
}

// FindOpenAlert implements storage.AlertStore.
func (s *Store) FindOpenAlert(_ context.Context, key storage.AlertKey) (storage.AlertRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.openAlertIndex(key); i >= 0 {
		return cloneAlert(s.alerts[i]), true, nil
	}
	return storage.AlertRecord{}, false, nil
}

// InsertAlert implements storage.AlertStore.
func (s *Store) InsertAlert(_ context.Context, rec storage.AlertRecord) (storage.AlertRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openAlertIndex(rec.Key) >= 0 {
		return storage.AlertRecord{}, false, nil
	}
	rec.ID = s.nextSeq()
	rec.OpenedAt = s.now()
	rec.ResolvedAt = nil
	rec = cloneAlert(rec)
	s.alerts = append(s.alerts, rec)
	return cloneAlert(rec), true, nil
}

// UpdateAlertExtra implements storage.AlertStore.
func (s *Store) UpdateAlertExtra(_ context.Context, id int64, extra json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id && s.alerts[i].ResolvedAt == nil {
			s.alerts[i].Extra = append(json.RawMessage(nil), extra...)
		}
	}
	return nil
}

// ResolveAlert implements storage.AlertStore.
func (s *Store) ResolveAlert(_ context.Context, id int64, extra json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id && s.alerts[i].ResolvedAt == nil {
			resolved := at
			s.alerts[i].Extra = append(json.RawMessage(nil), extra...)
			s.alerts[i].ResolvedAt = &resolved
		}
	}
	return nil
}

// ListAlerts implements storage.AlertStore.
func (s *Store) ListAlerts(_ context.Context, filter storage.AlertFilter) ([]storage.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.AlertRecord, 0)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		rec := s.alerts[i]
		if filter.OpenOnly && rec.ResolvedAt != nil {
			continue
		}
		if filter.Pair.ChainID != 0 && rec.Key.Pair != filter.Pair {
			continue
		}
		if filter.TypePrefix != "" && !strings.HasPrefix(rec.Key.AlertType, filter.TypePrefix) {
			continue
		}
		if rec.OpenedAt.Before(filter.Since) {
			continue
		}
		out = append(out, cloneAlert(rec))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) openAlertIndex(key storage.AlertKey) int {
	for i := range s.alerts {
		if s.alerts[i].Key == key && s.alerts[i].ResolvedAt == nil {
			return i
		}
	}
	return -1
}

// BumpRollup implements storage.RollupStore.
func (s *Store) BumpRollup(_ context.Context, hit storage.RollupHit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rollupKey{window: hit.WindowStart.Unix(), kind: hit.Kind, pair: hit.Pair, entity: hit.EntityID}
	ev := eventKey{row: key, runID: hit.RunID, origin: hit.Origin}
	if _, seen := s.events[ev]; seen {
		return false, nil
	}
	s.events[ev] = struct{}{}

	row, ok := s.rollups[key]
	if !ok {
		row = &storage.HealthRollup{
			WindowStart: hit.WindowStart,
			WindowEnd:   hit.WindowEnd,
			Kind:        hit.Kind,
			Pair:        hit.Pair,
			EntityID:    hit.EntityID,
		}
		s.rollups[key] = row
	}
	switch hit.Hit {
	case storage.HitOK:
		row.OKHits++
	case storage.HitStalled:
		row.StalledHits++
	case storage.HitOutlier:
		row.OutlierHits++
	case storage.HitFetchError:
		row.FetchErrorHits++
	}
	row.OpenAtEnd = hit.Open
	row.LastDevPct = hit.DevPct
	row.LastSpanSec = hit.SpanSec
	row.LastMedian = hit.Median
	row.LastPrice = hit.Price
	runID := hit.RunID
	if row.FirstSeenRunID == nil {
		row.FirstSeenRunID = &runID
	}
	row.LastSeenRunID = &runID
	return true, nil
}

// ListRollups implements storage.RollupStore.
func (s *Store) ListRollups(_ context.Context, windowStart time.Time, kind storage.EntityKind) ([]storage.HealthRollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.HealthRollup, 0)
	for key, row := range s.rollups {
		if key.window != windowStart.Unix() || (kind != "" && key.kind != kind) {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Pair.ChainID != b.Pair.ChainID {
			return a.Pair.ChainID < b.Pair.ChainID
		}
		if a.Pair.Contract != b.Pair.Contract {
			return a.Pair.Contract < b.Pair.Contract
		}
		return a.EntityID < b.EntityID
	})
	return out, nil
}

// EnsureWindow implements storage.WindowStore.
func (s *Store) EnsureWindow(_ context.Context, start, end time.Time, runID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.windows[start.Unix()]; ok {
		return nil
	}
	id := runID
	s.windows[start.Unix()] = &storage.SummaryWindow{Start: start, End: end, CreatedByRunID: &id}
	return nil
}

// PendingWindows implements storage.WindowStore.
func (s *Store) PendingWindows(_ context.Context, since, now time.Time) ([]storage.SummaryWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.SummaryWindow, 0)
	for _, w := range s.windows {
		if w.End.After(now) || w.Start.Before(since) {
			continue
		}
		if w.OwnersDone && w.AdminOracleDone && w.AdminDatasourceDone {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// GetWindow implements storage.WindowStore.
func (s *Store) GetWindow(_ context.Context, start time.Time) (storage.SummaryWindow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[start.Unix()]
	if !ok {
		return storage.SummaryWindow{}, false, nil
	}
	return *w, true, nil
}

// MarkWindowDone implements storage.WindowStore.
func (s *Store) MarkWindowDone(_ context.Context, start time.Time, audience storage.Audience) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[start.Unix()]
	if !ok {
		return nil
	}
	switch audience {
	case storage.AudienceOwners:
		w.OwnersDone = true
	case storage.AudienceAdminOracle:
		w.AdminOracleDone = true
	case storage.AudienceAdminDatasource:
		w.AdminDatasourceDone = true
	default:
		return fmt.Errorf("unknown audience %q", audience)
	}
	processed := s.now()
	w.ProcessedAt = &processed
	return nil
}

func newerThan(a, b snapshotRow) bool {
	if !a.snap.ObservedAt.Equal(b.snap.ObservedAt) {
		return a.snap.ObservedAt.After(b.snap.ObservedAt)
	}
	return a.seq > b.seq
}

func cloneAlert(rec storage.AlertRecord) storage.AlertRecord {
	rec.Extra = append(json.RawMessage(nil), rec.Extra...)
	if rec.ResolvedAt != nil {
		at := *rec.ResolvedAt
		rec.ResolvedAt = &at
	}
	return rec
}
