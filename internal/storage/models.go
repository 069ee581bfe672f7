package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PairKey identifies a tracked pair by its on-chain aggregator contract.
type PairKey struct {
	ChainID  int64
	Contract string
}

// NewPairKey normalises the contract address.
func NewPairKey(chainID int64, contract string) PairKey {
	return PairKey{ChainID: chainID, Contract: strings.ToLower(strings.TrimSpace(contract))}
}

func (p PairKey) String() string {
	return fmt.Sprintf("%d:%s", p.ChainID, p.Contract)
}

// EntityKind separates datasource rows from oracle participant rows.
type EntityKind string

const (
	KindDatasource EntityKind = "datasource"
	KindOracle     EntityKind = "oracle"
)

// Snapshot is one immutable price observation.
type Snapshot struct {
	RunID      int64
	Pair       PairKey
	EntityID   string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// IngestRun is one sweep of the pipeline.
type IngestRun struct {
	ID        int64
	Label     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// PriceAggregate is the consensus value for one pair and run. Never updated after insert.
type PriceAggregate struct {
	RunID            int64
	Pair             PairKey
	WindowStart      time.Time
	WindowEnd        time.Time
	Median           decimal.Decimal
	Mean             decimal.Decimal
	SourceCount      int
	UsedCount        int
	DiscardedSources []string
	CreatedAt        time.Time
}

// StallStatus is the hysteresis state of one (pair, entity).
type StallStatus string

const (
	StallOK        StallStatus = "ok"
	StallCandidate StallStatus = "candidate"
	StallStalled   StallStatus = "stalled"
)

// StallState accumulates consecutive evaluations for one (pair, entity).
type StallState struct {
	Kind          EntityKind
	Pair          PairKey
	EntityID      string
	Status        StallStatus
	ConsecBad     int
	ConsecGood    int
	FirstBadRunID *int64
	LastSeenRunID int64
}

// IsOpen reports whether the state currently counts as stalled.
func (s StallState) IsOpen() bool {
	return s.Status == StallStalled
}

// AlertKey is the natural identity of an alert. Participant is empty for pair-level alerts.
type AlertKey struct {
	RecipientID string
	Pair        PairKey
	Participant string
	AlertType   string
}

// AlertRecord is one persisted alert. ResolvedAt == nil means open.
type AlertRecord struct {
	ID         int64
	Key        AlertKey
	Severity   string
	Message    string
	Extra      json.RawMessage
	OpenedAt   time.Time
	ResolvedAt *time.Time
}

// HitKind classifies one detector evaluation.
type HitKind string

const (
	HitOK         HitKind = "ok"
	HitStalled    HitKind = "stalled"
	HitOutlier    HitKind = "outlier"
	HitFetchError HitKind = "fetch_error"
)

// RollupHit is a single bump into a window row. Origin separates detectors that may both
// report on the same entity within one run.
type RollupHit struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Kind        EntityKind
	Pair        PairKey
	EntityID    string
	Hit         HitKind
	Origin      string
	Open        bool
	DevPct      *decimal.Decimal
	SpanSec     *decimal.Decimal
	Median      *decimal.Decimal
	Price       *decimal.Decimal
	RunID       int64
}

// HealthRollup is the accumulated row for (window, kind, pair, entity).
type HealthRollup struct {
	WindowStart    time.Time
	WindowEnd      time.Time
	Kind           EntityKind
	Pair           PairKey
	EntityID       string
	OKHits         int
	StalledHits    int
	OutlierHits    int
	FetchErrorHits int
	OpenAtEnd      bool
	LastDevPct     *decimal.Decimal
	LastSpanSec    *decimal.Decimal
	LastMedian     *decimal.Decimal
	LastPrice      *decimal.Decimal
	FirstSeenRunID *int64
	LastSeenRunID  *int64
}

// Evals counts evaluations recorded in the row. Oracle rows count only stall verdicts; a
// failed read alongside an inactivity verdict in one run must not count twice.
func (r HealthRollup) Evals() int {
	if r.Kind == KindOracle {
		return r.OKHits + r.StalledHits
	}
	return r.OKHits + r.StalledHits + r.OutlierHits + r.FetchErrorHits
}

// Audience selects one of the three independent summary flags.
type Audience string

const (
	AudienceOwners          Audience = "owners"
	AudienceAdminOracle     Audience = "admin_oracle"
	AudienceAdminDatasource Audience = "admin_datasource"
)

// SummaryWindow is a window ledger row.
type SummaryWindow struct {
	Start               time.Time
	End                 time.Time
	OwnersDone          bool
	AdminOracleDone     bool
	AdminDatasourceDone bool
	CreatedByRunID      *int64
	ProcessedAt         *time.Time
}

// Done reports the flag for an audience.
func (w SummaryWindow) Done(a Audience) bool {
	switch a {
	case AudienceOwners:
		return w.OwnersDone
	case AudienceAdminOracle:
		return w.AdminOracleDone
	case AudienceAdminDatasource:
		return w.AdminDatasourceDone
	default:
		return false
	}
}

// Recipient is a notification target.
type Recipient struct {
	ID                   string
	DisplayName          string
	AcceptsNotifications bool
	IsAdmin              bool
}

// Name returns the display name, falling back to the id.
func (r Recipient) Name() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.ID
}

// Pair is registry metadata for a tracked pair.
type Pair struct {
	Key    PairKey
	Label  string
	Base   string
	Quote  string
	Active bool
}

// DatasourceAPI describes how to query one datasource.
type DatasourceAPI struct {
	Name         string
	BaseURL      string
	ResponsePath string
	Headers      map[string]string
}

// DatasourcePair maps a tracked pair to a datasource-specific identifier.
type DatasourcePair struct {
	Source           string
	Pair             PairKey
	DatasourcePairID string
}
