package stall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/alerts"
	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/stats"
	"oracle-health-alerts/internal/storage"
)

// OracleOrigin tags rollup hits from the oracle detector.
const OracleOrigin = "oracle_stall"

// OracleDirectory resolves participants, their owners and labels.
type OracleDirectory interface {
	ParticipantsFor(ctx context.Context, pair storage.PairKey) ([]string, error)
	OwnersOf(ctx context.Context, chainID int64, participant string) ([]storage.Recipient, error)
	LabelFor(pair storage.PairKey) string
}

// OracleDetector flags participants that stopped submitting or submit a flat price while the
// datasource market moves.
type OracleDetector struct {
	store     Store
	directory OracleDirectory
	alerts    *alerts.Manager
	recorder  Recorder
	test      flatTest
	hyst      Hysteresis
	freshness time.Duration
	realtime  bool
	opts      options
	logger    zerolog.Logger
}

// NewOracleDetector constructs the oracle detector. Realtime messages are sent only when the
// thresholds enable them and a courier is supplied.
func NewOracleDetector(store Store, directory OracleDirectory, manager *alerts.Manager, recorder Recorder, th config.Thresholds, logger zerolog.Logger, opts ...Option) *OracleDetector {
	return &OracleDetector{
		store:     store,
		directory: directory,
		alerts:    manager,
		recorder:  recorder,
		test:      newFlatTest(store, th),
		hyst:      Hysteresis{OpenAfter: th.OracleOpenConsec, ClearAfter: th.OracleClearConsec},
		freshness: th.Freshness(),
		realtime:  th.OracleRealtimeNotify,
		opts:      buildOptions(opts),
		logger:    logger.With().Str("component", "oracle_stall").Logger(),
	}
}

// DetectPair evaluates every participant of pair.
func (d *OracleDetector) DetectPair(ctx context.Context, runID int64, pair storage.PairKey) ([]Evaluation, error) {
	participants, err := d.directory.ParticipantsFor(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("participants for %s: %w", pair, err)
	}
	out := make([]Evaluation, 0, len(participants))
	var errs []error
	for _, p := range participants {
		ev, err := d.Evaluate(ctx, runID, pair, p)
		if err != nil {
			d.logger.Error().Err(err).Str("pair", pair.String()).Str("participant", p).Msg("oracle stall evaluation failed")
			errs = append(errs, err)
			continue
		}
		out = append(out, ev)
	}
	return out, errors.Join(errs...)
}

// Evaluate runs one (pair, participant) evaluation for runID. Inactivity is judged before the
// flat-vs-market test and counts as a bad evaluation on its own.
func (d *OracleDetector) Evaluate(ctx context.Context, runID int64, pair storage.PairKey, participant string) (Evaluation, error) {
	ev := Evaluation{Kind: storage.KindOracle, Pair: pair, EntityID: participant}
	now := d.opts.now()

	snaps, err := d.store.LatestSnapshots(ctx, storage.KindOracle, pair, participant, SampleCount)
	if err != nil {
		return ev, fmt.Errorf("latest oracle snapshots %s/%s: %w", pair, participant, err)
	}
	if len(snaps) > 0 {
		last := snaps[0].ObservedAt
		ev.LastSeenAt = &last
	}

	if len(snaps) == 0 || now.Sub(snaps[0].ObservedAt) > d.freshness {
		ev.Evaluated, ev.Bad, ev.Reason = true, true, ReasonInactivity
	} else {
		m, ok, err := d.test.measure(ctx, pair, snaps)
		if err != nil {
			return ev, err
		}
		if !ok {
			d.logger.Debug().Str("pair", pair.String()).Str("participant", participant).Msg("not enough history")
			return ev, nil
		}
		ev.Evaluated, ev.Bad, ev.Measurement = true, m.Stalled, &m
		if m.Stalled {
			ev.Reason = ReasonFlat
		}
	}

	prev, found, err := loadState(ctx, d.store, storage.KindOracle, pair, participant)
	if err != nil {
		return ev, err
	}
	ev.Step = d.hyst.Apply(prev, found, ev.Bad, runID)
	if ev.Step.Replayed {
		return ev, nil
	}
	if err := d.store.UpsertStallState(ctx, ev.Step.Next); err != nil {
		return ev, fmt.Errorf("save oracle stall state %s/%s: %w", pair, participant, err)
	}

	var errs []error
	hit := rollupHit(storage.KindOracle, pair, participant, OracleOrigin, runID, ev.Bad, ev.Step.Next.IsOpen(), ev.Measurement)
	if err := d.recorder.Record(ctx, now, hit); err != nil {
		errs = append(errs, err)
	}
	if err := d.driveAlerts(ctx, runID, now, ev); err != nil {
		errs = append(errs, err)
	}
	return ev, errors.Join(errs...)
}

func (d *OracleDetector) driveAlerts(ctx context.Context, runID int64, now time.Time, ev Evaluation) error {
	next := ev.Step.Next
	opening := next.IsOpen() && ev.Bad
	clearing := ev.Step.Transition == TransitionCleared
	if !opening && !clearing {
		return nil
	}

	owners, err := d.directory.OwnersOf(ctx, ev.Pair.ChainID, ev.EntityID)
	if err != nil {
		return fmt.Errorf("owners of %s: %w", ev.EntityID, err)
	}
	if len(owners) == 0 {
		if ev.Step.Transition == TransitionOpened {
			d.logger.Info().Str("pair", ev.Pair.String()).Str("participant", ev.EntityID).Msg("stalled participant has no owners")
		}
		return nil
	}

	label := d.directory.LabelFor(ev.Pair)
	var errs []error
	for _, owner := range owners {
		key := storage.AlertKey{RecipientID: owner.ID, Pair: ev.Pair, Participant: ev.EntityID, AlertType: alerts.TypeOracleStall}
		if clearing {
			resolved, err := d.alerts.Resolve(ctx, key, d.resolution(runID, now, ev))
			if err != nil {
				errs = append(errs, fmt.Errorf("resolve oracle stall for %s: %w", owner.ID, err))
				continue
			}
			if resolved {
				d.notify(ctx, owner, clearedMessage(label, ev.EntityID, owner))
			}
			continue
		}

		opened, err := d.alerts.OpenOrRefresh(ctx, key, alerts.SeverityWarning, d.alertMessage(label, now, ev), d.payload(runID, now, ev))
		if err != nil {
			errs = append(errs, fmt.Errorf("open oracle stall for %s: %w", owner.ID, err))
			continue
		}
		if opened {
			d.notify(ctx, owner, stalledMessage(label, now, ev, owner))
		}
	}
	if ev.Step.Transition != TransitionNone {
		d.logger.Info().
			Str("pair", ev.Pair.String()).
			Str("participant", ev.EntityID).
			Str("reason", string(ev.Reason)).
			Stringer("transition", ev.Step.Transition).
			Int("owners", len(owners)).
			Msg("oracle stall state changed")
	}
	return errors.Join(errs...)
}

func (d *OracleDetector) notify(ctx context.Context, owner storage.Recipient, text string) {
	if !d.realtime || d.opts.courier == nil {
		return
	}
	if err := d.opts.courier.Deliver(ctx, owner, text); err != nil {
		d.logger.Warn().Err(err).Str("recipient", owner.ID).Msg("realtime oracle notification failed")
	}
}

func (d *OracleDetector) payload(runID int64, now time.Time, ev Evaluation) alerts.Payload {
	consec := ev.Step.Next.ConsecBad
	if ev.Reason == ReasonInactivity {
		detail := &alerts.InactivityDetail{RunID: runID, LastSeenAt: ev.LastSeenAt, ConsecBad: consec}
		if ev.LastSeenAt != nil {
			age := int64(now.Sub(*ev.LastSeenAt) / time.Second)
			detail.AgeSec = &age
		}
		return alerts.Payload{Inactivity: detail}
	}
	m := ev.Measurement
	return alerts.Payload{Stall: &alerts.StallDetail{
		RunID:         runID,
		StalledPrice:  m.Price,
		MedianNow:     m.MedianNow,
		DevPct:        m.DevPct,
		FlatPct:       m.FlatPct,
		MarketMovePct: m.MarketMovePct,
		SpanSec:       m.SpanSec(),
		ConsecBad:     consec,
	}}
}

func (d *OracleDetector) resolution(runID int64, now time.Time, ev Evaluation) *alerts.Payload {
	detail := &alerts.ResolutionDetail{ResolvedRunID: runID, ResolvedAt: now}
	if m := ev.Measurement; m != nil {
		dev, span := m.DevPct, m.SpanSec()
		detail.LastDevPct, detail.LastSpanSec = &dev, &span
	}
	return &alerts.Payload{Resolution: detail}
}

func (d *OracleDetector) alertMessage(label string, now time.Time, ev Evaluation) string {
	if ev.Reason == ReasonInactivity {
		if ev.LastSeenAt == nil {
			return fmt.Sprintf("Oracle inactive for %s; no submissions recorded.", label)
		}
		return fmt.Sprintf("Oracle inactive for %s; last submission %s ago.", label, stats.FormatSpan(now.Sub(*ev.LastSeenAt)))
	}
	m := ev.Measurement
	return fmt.Sprintf("Oracle stalled for %s over ~%s; market moved %s.", label, stats.FormatSpan(m.Span), stats.FormatPct(m.MarketMovePct))
}

func stalledMessage(label string, now time.Time, ev Evaluation, owner storage.Recipient) string {
	var b strings.Builder
	if ev.Reason == ReasonInactivity {
		b.WriteString("🚨 Oracle Stalled (Inactive)\n")
	} else {
		b.WriteString("🚨 Oracle Stalled\n")
	}
	fmt.Fprintf(&b, "• Pair: %s\n", label)
	fmt.Fprintf(&b, "• Validator: %s (%s)\n", ev.EntityID, owner.Name())
	switch {
	case ev.Reason == ReasonInactivity && ev.LastSeenAt != nil:
		fmt.Fprintf(&b, "• Last submission: %s (~%s ago)", ev.LastSeenAt.UTC().Format(time.RFC3339), stats.FormatSpan(now.Sub(*ev.LastSeenAt)))
	case ev.Reason == ReasonInactivity:
		b.WriteString("• Last submission: n/a")
	default:
		m := ev.Measurement
		fmt.Fprintf(&b, "• Span: ~%s | Market move: %s\n", stats.FormatSpan(m.Span), stats.FormatPct(m.MarketMovePct))
		fmt.Fprintf(&b, "• Price vs median: %s off", stats.FormatPct(m.DevPct))
	}
	return b.String()
}

func clearedMessage(label, participant string, owner storage.Recipient) string {
	return fmt.Sprintf("✅ Oracle Stall Cleared\n• Pair: %s\n• Validator: %s (%s)", label, participant, owner.Name())
}
