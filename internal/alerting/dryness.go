package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AlertStore persists when a device was last alerted.
type AlertStore interface {
	LastAlert(ctx context.Context, deviceID string) (time.Time, bool, error)
	SetLastAlert(ctx context.Context, deviceID string, at time.Time) error
}

// DrynessOptions tune the dryness monitor.
type DrynessOptions struct {
	ThresholdPct float64
	Cooldown     time.Duration
}

// Dryness raises a notification when a device's moisture drops below the
// threshold, at most once per cooldown.
type Dryness struct {
	opts     DrynessOptions
	store    AlertStore
	notifier Notifier
	logger   zerolog.Logger
}

// NewDryness builds a dryness monitor.
func NewDryness(opts DrynessOptions, store AlertStore, notifier Notifier, logger zerolog.Logger) *Dryness {
	return &Dryness{
		opts:     opts,
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "dryness").Logger(),
	}
}

// Check evaluates one accepted reading and reports whether an alert was sent.
// The cooldown is recorded before delivery so a failing channel is not retried
// on every sample.
func (d *Dryness) Check(ctx context.Context, note Notification) (bool, error) {
	if d.notifier == nil || note.Percent >= d.opts.ThresholdPct {
		return false, nil
	}

	last, ok, err := d.store.LastAlert(ctx, note.DeviceID)
	if err != nil {
		return false, fmt.Errorf("load last alert: %w", err)
	}
	if ok && note.At.Sub(last) < d.opts.Cooldown {
		d.logger.Debug().Str("device", note.DeviceID).Time("last_alert", last).Msg("dryness alert suppressed by cooldown")
		return false, nil
	}

	if err := d.store.SetLastAlert(ctx, note.DeviceID, note.At); err != nil {
		return false, fmt.Errorf("record alert: %w", err)
	}
	note.ThresholdPct = d.opts.ThresholdPct
	if err := d.notifier.Notify(ctx, note); err != nil {
		return false, fmt.Errorf("dispatch alert: %w", err)
	}
	return true, nil
}
