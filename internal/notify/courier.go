package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/storage"
)

// Outcome labels a delivery attempt.
type Outcome string

const (
	OutcomeSent          Outcome = "sent"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeFailed        Outcome = "failed"
	OutcomeUndeliverable Outcome = "undeliverable"
)

// Directory records recipients that can no longer be reached.
type Directory interface {
	DisableNotifications(ctx context.Context, recipientID string) error
}

// CourierOption configures a Courier.
type CourierOption func(*Courier)

// WithObserver registers a callback invoked once per delivery attempt.
func WithObserver(fn func(Outcome)) CourierOption {
	return func(c *Courier) { c.observe = fn }
}

// Courier applies recipient policy around a Notifier: opted-out recipients are skipped and
// non-admin recipients reported undeliverable are disabled. Failures are never retried.
type Courier struct {
	notifier  Notifier
	directory Directory
	logger    zerolog.Logger
	observe   func(Outcome)
}

// NewCourier constructs a Courier.
func NewCourier(notifier Notifier, directory Directory, logger zerolog.Logger, opts ...CourierOption) *Courier {
	c := &Courier{
		notifier:  notifier,
		directory: directory,
		logger:    logger.With().Str("component", "courier").Logger(),
		observe:   func(Outcome) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver sends messages to r in order and stops at the first failure.
func (c *Courier) Deliver(ctx context.Context, r storage.Recipient, messages ...string) error {
	if !r.AcceptsNotifications {
		c.observe(OutcomeSkipped)
		return nil
	}
	for _, text := range messages {
		if text == "" {
			continue
		}
		if err := c.notifier.Send(ctx, r.ID, text); err != nil {
			c.handleFailure(ctx, r, err)
			return err
		}
		c.observe(OutcomeSent)
	}
	return nil
}

func (c *Courier) handleFailure(ctx context.Context, r storage.Recipient, err error) {
	if !errors.Is(err, ErrUndeliverable) {
		c.observe(OutcomeFailed)
		c.logger.Warn().Err(err).Str("recipient", r.ID).Msg("notification failed")
		return
	}
	c.observe(OutcomeUndeliverable)
	if r.IsAdmin {
		c.logger.Warn().Err(err).Str("recipient", r.ID).Msg("admin undeliverable; keeping notifications enabled")
		return
	}
	if disableErr := c.directory.DisableNotifications(ctx, r.ID); disableErr != nil {
		c.logger.Error().Err(disableErr).Str("recipient", r.ID).Msg("failed to disable notifications")
		return
	}
	c.logger.Info().Str("recipient", r.ID).Msg("recipient undeliverable; notifications disabled")
}
