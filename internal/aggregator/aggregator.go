// Package aggregator folds accepted readings into fixed time windows and
// emits one rollup point per completed window.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"soilwatch/internal/calibration"
	"soilwatch/internal/storage"
)

// DefaultWindow is the rollup window size.
const DefaultWindow = 10 * time.Minute

// Store is the slice of storage.Store the aggregator needs.
type Store interface {
	Accumulate(ctx context.Context, deviceID string, raw float64, window int64) (*storage.WindowTotals, error)
	CloseWindow(ctx context.Context, deviceID string, window int64) (*storage.WindowTotals, error)
	AppendRollup(ctx context.Context, deviceID string, p storage.RollupPoint) error
	Calibration(ctx context.Context, deviceID string) (*calibration.Config, error)
}

// Aggregator maintains per-device window accumulators.
type Aggregator struct {
	store  Store
	window time.Duration
	logger zerolog.Logger
}

// New constructs an Aggregator. A non-positive window falls back to DefaultWindow.
func New(store Store, window time.Duration, logger zerolog.Logger) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		store:  store,
		window: window,
		logger: logger.With().Str("component", "aggregator").Logger(),
	}
}

// Window is the configured window size.
func (a *Aggregator) Window() time.Duration { return a.window }

// WindowStart returns the start of the window containing t, in unix ms.
func WindowStart(t time.Time, size time.Duration) int64 {
	ms := t.UnixMilli()
	width := size.Milliseconds()
	start := ms / width * width
	if ms < 0 && ms%width != 0 {
		start -= width
	}
	return start
}

// RecordSample adds one sample to the device's current window. When the
// sample closes the previous window, its rollup point is appended and
// returned. Only the call that closed a window ever sees it.
func (a *Aggregator) RecordSample(ctx context.Context, deviceID string, raw float64, at time.Time) (*storage.RollupPoint, error) {
	totals, err := a.store.Accumulate(ctx, deviceID, raw, WindowStart(at, a.window))
	if err != nil {
		return nil, fmt.Errorf("accumulate sample: %w", err)
	}
	if totals == nil {
		return nil, nil
	}
	return a.emit(ctx, deviceID, *totals)
}

// FlushIdle closes the device's window if it started before now's window,
// so a device that went quiet still gets its last rollup point.
func (a *Aggregator) FlushIdle(ctx context.Context, deviceID string, now time.Time) (*storage.RollupPoint, error) {
	totals, err := a.store.CloseWindow(ctx, deviceID, WindowStart(now, a.window))
	if err != nil {
		return nil, fmt.Errorf("close idle window: %w", err)
	}
	if totals == nil {
		return nil, nil
	}
	return a.emit(ctx, deviceID, *totals)
}

func (a *Aggregator) emit(ctx context.Context, deviceID string, totals storage.WindowTotals) (*storage.RollupPoint, error) {
	cfg, err := a.store.Calibration(ctx, deviceID)
	if err != nil {
		return nil, a.dropped(deviceID, totals, fmt.Errorf("load calibration: %w", err))
	}

	avg := totals.Average()
	percent := calibration.ToPercent(avg, cfg)
	point := storage.RollupPoint{
		At:      time.UnixMilli(totals.WindowStart).Add(a.window / 2).UTC(),
		RawAvg:  avg,
		Percent: &percent,
	}
	if err := a.store.AppendRollup(ctx, deviceID, point); err != nil {
		return nil, a.dropped(deviceID, totals, fmt.Errorf("append rollup: %w", err))
	}

	a.logger.Info().
		Str("device", deviceID).
		Time("window", time.UnixMilli(totals.WindowStart).UTC()).
		Int64("samples", totals.Count).
		Float64("raw_avg", avg).
		Msg("window flushed")
	return &point, nil
}

// dropped reports a window whose accumulator was already reset but whose
// rollup point could not be stored. The totals are kept in the log and the
// error so the point can be rebuilt by hand.
func (a *Aggregator) dropped(deviceID string, totals storage.WindowTotals, err error) error {
	a.logger.Error().Err(err).
		Str("device", deviceID).
		Int64("window_start", totals.WindowStart).
		Str("sum", totals.Sum.String()).
		Int64("count", totals.Count).
		Msg("closed window not stored")
	return fmt.Errorf("window %d of %s (sum %s, count %d): %w",
		totals.WindowStart, deviceID, totals.Sum.String(), totals.Count, err)
}
