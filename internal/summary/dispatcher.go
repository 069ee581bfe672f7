package summary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/rollup"
	"oracle-health-alerts/internal/storage"
)

// Directory resolves recipients and pair labels.
type Directory interface {
	OwnersOf(ctx context.Context, chainID int64, participant string) ([]storage.Recipient, error)
	Admins(ctx context.Context) ([]storage.Recipient, error)
	LabelFor(pair storage.PairKey) string
}

// Courier delivers a sequence of messages to one recipient.
type Courier interface {
	Deliver(ctx context.Context, r storage.Recipient, messages ...string) error
}

// Outcome describes what happened to one (window, audience).
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeDone       Outcome = "already_done"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeQuiet      Outcome = "quiet"
)

// Decision is the gate result for one (window, audience).
type Decision struct {
	Window     storage.SummaryWindow
	Audience   storage.Audience
	Outcome    Outcome
	Rows       int
	Recipients int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the dispatch clock.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithDryRun renders and gates without delivering or setting flags.
func WithDryRun(dry bool) Option {
	return func(d *Dispatcher) { d.dryRun = dry }
}

// Dispatcher sends the digests owed for closed windows. Each audience flag is set at most once
// and only after its gates pass.
type Dispatcher struct {
	ledger       *rollup.Ledger
	directory    Directory
	courier      Courier
	renderer     Renderer
	onlyIfEvents bool
	dryRun       bool
	now          func() time.Time
	logger       zerolog.Logger
}

// NewRendererFromConfig builds a Renderer from summary settings.
func NewRendererFromConfig(cfg config.SummaryConfig) Renderer {
	return Renderer{
		YellowBelow:    cfg.UptimeYellow,
		RedBelow:       cfg.UptimeRed,
		UnownedDefault: cfg.UnownedLabelDefault,
		UnownedLabels:  cfg.OwnerLabels(),
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(ledger *rollup.Ledger, directory Directory, courier Courier, renderer Renderer, onlyIfEvents bool, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ledger:       ledger,
		directory:    directory,
		courier:      courier,
		renderer:     renderer,
		onlyIfEvents: onlyIfEvents,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger.With().Str("component", "summary").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchDue walks pending windows oldest first and handles each audience independently.
func (d *Dispatcher) DispatchDue(ctx context.Context) ([]Decision, error) {
	now := d.now()
	windows, err := d.ledger.Pending(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("pending windows: %w", err)
	}

	var decisions []Decision
	var errs []error
	for _, w := range windows {
		if !rollup.Closed(w, now) {
			continue
		}
		for _, audience := range []storage.Audience{storage.AudienceOwners, storage.AudienceAdminOracle, storage.AudienceAdminDatasource} {
			dec, err := d.dispatch(ctx, w, audience)
			if err != nil {
				errs = append(errs, fmt.Errorf("window %s %s: %w", iso(w.Start), audience, err))
				continue
			}
			decisions = append(decisions, dec)
		}
	}
	return decisions, errors.Join(errs...)
}

func (d *Dispatcher) dispatch(ctx context.Context, w storage.SummaryWindow, audience storage.Audience) (Decision, error) {
	dec := Decision{Window: w, Audience: audience}
	if w.Done(audience) {
		dec.Outcome = OutcomeDone
		return dec, nil
	}

	kind := storage.KindOracle
	if audience == storage.AudienceAdminDatasource {
		kind = storage.KindDatasource
	}
	rows, err := d.ledger.Rows(ctx, w, kind)
	if err != nil {
		return dec, fmt.Errorf("list %s rollups: %w", kind, err)
	}
	dec.Rows = len(rows)

	if !d.ledger.Complete(rows, kind) {
		dec.Outcome = OutcomeIncomplete
		d.logGate(dec)
		return dec, nil
	}
	if d.onlyIfEvents && !hasEvent(rows, kind) {
		dec.Outcome = OutcomeQuiet
		d.logGate(dec)
		return dec, nil
	}

	var sent int
	switch audience {
	case storage.AudienceOwners:
		sent, err = d.sendOwners(ctx, w, rows)
	case storage.AudienceAdminOracle:
		sent, err = d.sendAdmins(ctx, func(admin storage.Recipient) ([]string, error) {
			return d.adminOracleMessages(ctx, w, admin, rows)
		})
	case storage.AudienceAdminDatasource:
		sent, err = d.sendAdmins(ctx, func(admin storage.Recipient) ([]string, error) {
			return d.renderer.AdminDatasource(w, admin.Name(), d.datasourceRows(rows)), nil
		})
	}
	if err != nil {
		return dec, err
	}
	dec.Outcome, dec.Recipients = OutcomeSent, sent
	d.logGate(dec)

	if d.dryRun {
		return dec, nil
	}
	if err := d.ledger.MarkDone(ctx, w, audience); err != nil {
		return dec, fmt.Errorf("mark done: %w", err)
	}
	return dec, nil
}

// sendOwners groups rows by owner and sends each owner their participants. With the quiet
// policy an owner whose rows carry no event is skipped.
func (d *Dispatcher) sendOwners(ctx context.Context, w storage.SummaryWindow, rows []storage.HealthRollup) (int, error) {
	type group struct {
		owner storage.Recipient
		rows  []OwnerRow
	}
	groups := make(map[string]*group)
	for _, r := range rows {
		owners, err := d.directory.OwnersOf(ctx, r.Pair.ChainID, r.EntityID)
		if err != nil {
			return 0, fmt.Errorf("owners of %s: %w", r.EntityID, err)
		}
		for _, o := range owners {
			g, ok := groups[o.ID]
			if !ok {
				g = &group{owner: o}
				groups[o.ID] = g
			}
			g.rows = append(g.rows, OwnerRow{Label: d.directory.LabelFor(r.Pair), Rollup: r})
		}
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sent := 0
	for _, id := range ids {
		g := groups[id]
		if !g.owner.AcceptsNotifications {
			continue
		}
		if d.onlyIfEvents && !ownerHasEvent(g.rows) {
			continue
		}
		msgs := d.renderer.Owner(w, g.owner.Name(), g.rows)
		if d.deliver(ctx, g.owner, msgs) {
			sent++
		}
	}
	return sent, nil
}

func (d *Dispatcher) sendAdmins(ctx context.Context, render func(storage.Recipient) ([]string, error)) (int, error) {
	admins, err := d.directory.Admins(ctx)
	if err != nil {
		return 0, fmt.Errorf("list admins: %w", err)
	}
	sent := 0
	for _, admin := range admins {
		if !admin.AcceptsNotifications {
			continue
		}
		// admins are never disabled on delivery failure
		admin.IsAdmin = true
		msgs, err := render(admin)
		if err != nil {
			return sent, err
		}
		if d.deliver(ctx, admin, msgs) {
			sent++
		}
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, r storage.Recipient, msgs []string) bool {
	if d.dryRun {
		for _, m := range msgs {
			d.logger.Info().Str("recipient", r.ID).Str("text", m).Msg("dry-run summary")
		}
		return true
	}
	if err := d.courier.Deliver(ctx, r, msgs...); err != nil {
		d.logger.Warn().Err(err).Str("recipient", r.ID).Msg("summary delivery failed")
		return false
	}
	return true
}

func (d *Dispatcher) adminOracleMessages(ctx context.Context, w storage.SummaryWindow, admin storage.Recipient, rows []storage.HealthRollup) ([]string, error) {
	out := make([]AdminOracleRow, 0, len(rows))
	for _, r := range rows {
		owners, err := d.directory.OwnersOf(ctx, r.Pair.ChainID, r.EntityID)
		if err != nil {
			return nil, fmt.Errorf("owners of %s: %w", r.EntityID, err)
		}
		out = append(out, AdminOracleRow{Label: d.directory.LabelFor(r.Pair), Rollup: r, Owners: owners})
	}
	return d.renderer.AdminOracle(w, admin.Name(), out), nil
}

func (d *Dispatcher) datasourceRows(rows []storage.HealthRollup) []DatasourceRow {
	out := make([]DatasourceRow, len(rows))
	for i, r := range rows {
		out[i] = DatasourceRow{Label: d.directory.LabelFor(r.Pair), Rollup: r}
	}
	return out
}

func (d *Dispatcher) logGate(dec Decision) {
	d.logger.Info().
		Time("window_start", dec.Window.Start).
		Str("audience", string(dec.Audience)).
		Str("outcome", string(dec.Outcome)).
		Int("rows", dec.Rows).
		Int("recipients", dec.Recipients).
		Bool("dry_run", d.dryRun).
		Msg("summary gate")
}

// hasEvent reports whether any row recorded a problem. Datasource rows also count outlier and
// fetch-error hits.
func hasEvent(rows []storage.HealthRollup, kind storage.EntityKind) bool {
	for _, r := range rows {
		if r.StalledHits > 0 || r.OpenAtEnd {
			return true
		}
		if kind == storage.KindDatasource && (r.OutlierHits > 0 || r.FetchErrorHits > 0) {
			return true
		}
	}
	return false
}

func ownerHasEvent(rows []OwnerRow) bool {
	for _, r := range rows {
		if r.Rollup.StalledHits > 0 || r.Rollup.OpenAtEnd {
			return true
		}
	}
	return false
}
