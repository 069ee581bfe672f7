package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PayloadVersion is bumped whenever a variant changes shape.
const PayloadVersion = 1

// Payload is the structured body stored in alerts.extra. Only the variants relevant to an
// alert are set.
type Payload struct {
	Version    int               `json:"v"`
	Outlier    *OutlierDetail    `json:"outlier,omitempty"`
	Stall      *StallDetail      `json:"stall,omitempty"`
	Inactivity *InactivityDetail `json:"inactivity,omitempty"`
	FetchError *FetchErrorDetail `json:"fetch_error,omitempty"`
	Resolution *ResolutionDetail `json:"resolution,omitempty"`
}

// OutlierDetail describes a source that strayed from the median.
type OutlierDetail struct {
	RunID     int64           `json:"run_id"`
	Price     decimal.Decimal `json:"price"`
	Median    decimal.Decimal `json:"median"`
	DevPct    decimal.Decimal `json:"dev_pct"`
	Threshold decimal.Decimal `json:"threshold"`
}

// StallDetail describes a flat price against a moving market.
type StallDetail struct {
	RunID         int64           `json:"run_id"`
	StalledPrice  decimal.Decimal `json:"stalled_price"`
	MedianNow     decimal.Decimal `json:"median_now"`
	DevPct        decimal.Decimal `json:"dev_pct"`
	FlatPct       decimal.Decimal `json:"flat_pct"`
	MarketMovePct decimal.Decimal `json:"market_move_pct"`
	SpanSec       int64           `json:"span_sec"`
	ConsecBad     int             `json:"consec_bad"`
}

// InactivityDetail describes a participant with no recent submission.
type InactivityDetail struct {
	RunID      int64      `json:"run_id"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	AgeSec     *int64     `json:"age_sec,omitempty"`
	ConsecBad  int        `json:"consec_bad"`
}

// FetchErrorDetail describes a failed datasource fetch.
type FetchErrorDetail struct {
	RunID int64  `json:"run_id"`
	Error string `json:"error"`
}

// ResolutionDetail records the metrics observed when an alert cleared.
type ResolutionDetail struct {
	ResolvedRunID int64            `json:"resolved_run_id"`
	ResolvedAt    time.Time        `json:"resolved_at"`
	LastDevPct    *decimal.Decimal `json:"last_dev_pct,omitempty"`
	LastSpanSec   *int64           `json:"last_span_sec,omitempty"`
}

// Merge overlays next onto p. Variants set in next replace the stored ones; the rest are kept.
func (p Payload) Merge(next Payload) Payload {
	out := p
	out.Version = PayloadVersion
	if next.Outlier != nil {
		out.Outlier = next.Outlier
	}
	if next.Stall != nil {
		out.Stall = next.Stall
	}
	if next.Inactivity != nil {
		out.Inactivity = next.Inactivity
	}
	if next.FetchError != nil {
		out.FetchError = next.FetchError
	}
	if next.Resolution != nil {
		out.Resolution = next.Resolution
	}
	return out
}

// Encode marshals the payload for storage.
func (p Payload) Encode() (json.RawMessage, error) {
	p.Version = PayloadVersion
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode alert payload: %w", err)
	}
	return raw, nil
}

// DecodePayload parses a stored payload. Empty input yields a zero payload.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode alert payload: %w", err)
	}
	return p, nil
}
