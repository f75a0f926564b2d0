package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"soilwatch/internal/calibration"
)

const (
	// DefaultHistoryCap bounds the fine history per device.
	DefaultHistoryCap = 4000
	// DefaultRollupCap bounds the rollup list per device (about five weeks of 10m windows).
	DefaultRollupCap = 5000
)

// Options tune the typed store.
type Options struct {
	Prefix     string
	HistoryCap int
	RollupCap  int
}

// Store maps the typed entities onto a Backend. Values that fail to decode
// are logged and treated as absent.
type Store struct {
	backend Backend
	keys    Keys
	opts    Options
	logger  zerolog.Logger
}

// NewStore wires a backend into a Store.
func NewStore(backend Backend, opts Options, logger zerolog.Logger) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "soil"
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.RollupCap <= 0 {
		opts.RollupCap = DefaultRollupCap
	}
	return &Store{
		backend: backend,
		keys:    Keys{Prefix: opts.Prefix},
		opts:    opts,
		logger:  logger.With().Str("component", "store").Logger(),
	}
}

// HistoryCap is the configured fine history bound.
func (s *Store) HistoryCap() int { return s.opts.HistoryCap }

// RollupCap is the configured rollup bound.
func (s *Store) RollupCap() int { return s.opts.RollupCap }

// Ping checks backend reachability.
func (s *Store) Ping(ctx context.Context) error { return s.backend.Ping(ctx) }

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }

// Latest returns the device's latest reading, or nil.
func (s *Store) Latest(ctx context.Context, deviceID string) (*Reading, error) {
	raw, ok, err := s.backend.Get(ctx, s.keys.Latest(deviceID))
	if err != nil || !ok {
		return nil, err
	}
	r, err := decodeReading(raw)
	if err != nil {
		s.skip(err, deviceID, "latest")
		return nil, nil
	}
	return &r, nil
}

// AppendReading sets the latest pointer and pushes r onto the capped history
// in one backend write.
func (s *Store) AppendReading(ctx context.Context, deviceID string, r Reading) error {
	item, err := encodeJSON(r)
	if err != nil {
		return err
	}
	return s.backend.SetAndPush(ctx, s.keys.Latest(deviceID), item, s.keys.History(deviceID), item, s.opts.HistoryCap)
}

// History returns up to limit readings, newest first. Undecodable entries are skipped.
func (s *Store) History(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	items, err := s.backend.Range(ctx, s.keys.History(deviceID), limit)
	if err != nil {
		return nil, err
	}
	out := make([]Reading, 0, len(items))
	for _, item := range items {
		r, err := decodeReading(item)
		if err != nil {
			s.skip(err, deviceID, "history")
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// AppendRollup pushes p onto the capped rollup list.
func (s *Store) AppendRollup(ctx context.Context, deviceID string, p RollupPoint) error {
	item, err := encodeJSON(p)
	if err != nil {
		return err
	}
	return s.backend.PushCapped(ctx, s.keys.Rollup(deviceID), item, s.opts.RollupCap)
}

// Rollups returns up to limit rollup points, newest first.
func (s *Store) Rollups(ctx context.Context, deviceID string, limit int) ([]RollupPoint, error) {
	items, err := s.backend.Range(ctx, s.keys.Rollup(deviceID), limit)
	if err != nil {
		return nil, err
	}
	out := make([]RollupPoint, 0, len(items))
	for _, item := range items {
		p, err := decodeRollup(item)
		if err != nil {
			s.skip(err, deviceID, "rollup")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Calibration returns the device calibration, or nil when none is usable.
func (s *Store) Calibration(ctx context.Context, deviceID string) (*calibration.Config, error) {
	raw, ok, err := s.backend.Get(ctx, s.keys.Config(deviceID))
	if err != nil || !ok {
		return nil, err
	}
	cfg, err := decodeCalibration(raw)
	if err != nil {
		s.skip(err, deviceID, "config")
		return nil, nil
	}
	return cfg, nil
}

// SetCalibration stores cfg; nil removes the calibration.
func (s *Store) SetCalibration(ctx context.Context, deviceID string, cfg *calibration.Config) error {
	if cfg == nil {
		return s.backend.Delete(ctx, s.keys.Config(deviceID))
	}
	raw, err := encodeJSON(cfg)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, s.keys.Config(deviceID), raw)
}

// Accumulate folds one sample into the device's window accumulator.
func (s *Store) Accumulate(ctx context.Context, deviceID string, raw float64, window int64) (*WindowTotals, error) {
	return s.backend.Accumulate(ctx, s.keys.Accumulator(deviceID), raw, window)
}

// CloseWindow closes the device's window if it started before window.
func (s *Store) CloseWindow(ctx context.Context, deviceID string, window int64) (*WindowTotals, error) {
	return s.backend.CloseWindow(ctx, s.keys.Accumulator(deviceID), window)
}

// Accumulator reads the accumulator state for inspection. It is not part of
// any transition and may observe a concurrent update half-way.
func (s *Store) Accumulator(ctx context.Context, deviceID string) (*Accumulator, error) {
	keys := s.keys.Accumulator(deviceID)
	ws, wsOK, err := s.backend.Get(ctx, keys.Window)
	if err != nil {
		return nil, err
	}
	sum, sumOK, err := s.backend.Get(ctx, keys.Sum)
	if err != nil {
		return nil, err
	}
	cnt, cntOK, err := s.backend.Get(ctx, keys.Count)
	if err != nil {
		return nil, err
	}
	acc, err := decodeAccumulator(ws, sum, cnt, wsOK, sumOK, cntOK)
	if err != nil {
		s.skip(err, deviceID, "accumulator")
	}
	if !acc.Started {
		return nil, nil
	}
	return &acc, nil
}

// RegisterDevice adds deviceID to the known set and reports whether it is new.
func (s *Store) RegisterDevice(ctx context.Context, deviceID string) (bool, error) {
	return s.backend.AddMember(ctx, s.keys.Devices(), deviceID)
}

// IsDevice reports whether deviceID is known.
func (s *Store) IsDevice(ctx context.Context, deviceID string) (bool, error) {
	return s.backend.IsMember(ctx, s.keys.Devices(), deviceID)
}

// Devices lists known device ids in lexical order.
func (s *Store) Devices(ctx context.Context) ([]string, error) {
	return s.backend.Members(ctx, s.keys.Devices())
}

// LastAlert returns when the last dryness alert fired for the device.
func (s *Store) LastAlert(ctx context.Context, deviceID string) (time.Time, bool, error) {
	raw, ok, err := s.backend.Get(ctx, s.keys.AlertLast(deviceID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.skip(malformed("alert timestamp", err), deviceID, "alert")
		return time.Time{}, false, nil
	}
	return at, true, nil
}

// SetLastAlert records the time of a dryness alert.
func (s *Store) SetLastAlert(ctx context.Context, deviceID string, at time.Time) error {
	return s.backend.Set(ctx, s.keys.AlertLast(deviceID), at.UTC().Format(time.RFC3339Nano))
}

// Stats summarises what is retained for a device.
func (s *Store) Stats(ctx context.Context, deviceID string) (DeviceStats, error) {
	stats := DeviceStats{DeviceID: deviceID}

	var err error
	if stats.HistoryLen, err = s.backend.Len(ctx, s.keys.History(deviceID)); err != nil {
		return stats, fmt.Errorf("history length: %w", err)
	}
	if stats.RollupLen, err = s.backend.Len(ctx, s.keys.Rollup(deviceID)); err != nil {
		return stats, fmt.Errorf("rollup length: %w", err)
	}
	latest, err := s.Latest(ctx, deviceID)
	if err != nil {
		return stats, err
	}
	stats.HasLatest = latest != nil

	cfg, err := s.Calibration(ctx, deviceID)
	if err != nil {
		return stats, err
	}
	stats.Calibrated = cfg.Calibrated()

	if stats.Accumulator, err = s.Accumulator(ctx, deviceID); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Store) skip(err error, deviceID, what string) {
	s.logger.Warn().Err(err).Str("device", deviceID).Str("value", what).Msg("ignoring malformed stored value")
}
