package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/storage"
)

// Severity levels accepted by the alerts table.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// TypeOracleStall is the alert type of a stalled oracle participant.
const TypeOracleStall = "ORACLE_STALL"

// OutlierType is the per-source outlier alert type.
func OutlierType(source string) string { return "OUTLIER:" + source }

// DatasourceStallType is the per-source stall alert type.
func DatasourceStallType(source string) string { return "DS_STALL:" + source }

// FetchErrorType is the per-source fetch failure alert type.
func FetchErrorType(source string) string { return "DS_FETCH_ERROR:" + source }

// OpenHook observes newly opened alerts.
type OpenHook func(rec storage.AlertRecord)

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the resolution timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithOpenHook registers a hook fired after an alert is newly opened.
func WithOpenHook(hook OpenHook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, hook) }
}

// Manager owns alert lifecycles. It never notifies.
type Manager struct {
	store  storage.AlertStore
	logger zerolog.Logger
	now    func() time.Time
	hooks  []OpenHook
}

// NewManager constructs an alert manager.
func NewManager(store storage.AlertStore, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: logger.With().Str("component", "alerts").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenOrRefresh opens the alert for key, or merges payload into the open one.
// It reports true only when a new row was opened.
func (m *Manager) OpenOrRefresh(ctx context.Context, key storage.AlertKey, severity, message string, payload Payload) (bool, error) {
	existing, found, err := m.store.FindOpenAlert(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		return false, m.refresh(ctx, existing, payload)
	}

	extra, err := payload.Encode()
	if err != nil {
		return false, err
	}
	rec, inserted, err := m.store.InsertAlert(ctx, storage.AlertRecord{
		Key:      key,
		Severity: severity,
		Message:  message,
		Extra:    extra,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		// lost a race against a concurrent opener; fold into its row
		existing, found, err = m.store.FindOpenAlert(ctx, key)
		if err != nil {
			return false, err
		}
		if found {
			return false, m.refresh(ctx, existing, payload)
		}
		return false, fmt.Errorf("alert %s for %s vanished after conflicting insert", key.AlertType, key.RecipientID)
	}

	m.logger.Info().
		Str("recipient", key.RecipientID).
		Str("pair", key.Pair.String()).
		Str("participant", key.Participant).
		Str("type", key.AlertType).
		Msg("alert opened")
	for _, hook := range m.hooks {
		hook(rec)
	}
	return true, nil
}

// Resolve closes the open alert for key. Without an open alert it is a no-op returning false.
// A non-nil payload is merged before closing.
func (m *Manager) Resolve(ctx context.Context, key storage.AlertKey, payload *Payload) (bool, error) {
	existing, found, err := m.store.FindOpenAlert(ctx, key)
	if err != nil || !found {
		return false, err
	}
	extra := existing.Extra
	if payload != nil {
		stored, err := DecodePayload(existing.Extra)
		if err != nil {
			return false, err
		}
		if extra, err = stored.Merge(*payload).Encode(); err != nil {
			return false, err
		}
	}
	if err := m.store.ResolveAlert(ctx, existing.ID, extra, m.now()); err != nil {
		return false, err
	}
	m.logger.Info().
		Str("recipient", key.RecipientID).
		Str("pair", key.Pair.String()).
		Str("participant", key.Participant).
		Str("type", key.AlertType).
		Msg("alert resolved")
	return true, nil
}

// IsOpen reports whether key currently has an open alert.
func (m *Manager) IsOpen(ctx context.Context, key storage.AlertKey) (bool, error) {
	_, found, err := m.store.FindOpenAlert(ctx, key)
	return found, err
}

func (m *Manager) refresh(ctx context.Context, existing storage.AlertRecord, payload Payload) error {
	stored, err := DecodePayload(existing.Extra)
	if err != nil {
		return err
	}
	extra, err := stored.Merge(payload).Encode()
	if err != nil {
		return err
	}
	return m.store.UpdateAlertExtra(ctx, existing.ID, extra)
}

// Journal collects alerts opened during one run for the admin digest.
type Journal struct {
	mu     sync.Mutex
	opened []storage.AlertRecord
}

// Record is an OpenHook.
func (j *Journal) Record(rec storage.AlertRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.opened = append(j.opened, rec)
}

// Drain returns and clears the collected alerts.
func (j *Journal) Drain() []storage.AlertRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.opened
	j.opened = nil
	return out
}
