// Package ingest accepts raw soil-moisture samples and fans them out to the
// latest pointer, the fine history, the window accumulator and the device set.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"soilwatch/internal/alerting"
	"soilwatch/internal/calibration"
	"soilwatch/internal/storage"
)

// ErrInvalidInput rejects a sample before anything is written.
var ErrInvalidInput = errors.New("ingest: invalid input")

// Store is the slice of storage.Store the ingest path writes through.
type Store interface {
	Calibration(ctx context.Context, deviceID string) (*calibration.Config, error)
	AppendReading(ctx context.Context, deviceID string, r storage.Reading) error
	RegisterDevice(ctx context.Context, deviceID string) (bool, error)
}

// Recorder feeds the window accumulator.
type Recorder interface {
	RecordSample(ctx context.Context, deviceID string, raw float64, at time.Time) (*storage.RollupPoint, error)
}

// AlertChecker is consulted for every accepted reading.
type AlertChecker interface {
	Check(ctx context.Context, note alerting.Notification) (bool, error)
}

// Result describes an accepted sample.
type Result struct {
	DeviceID  string
	Reading   storage.Reading
	Rollup    *storage.RollupPoint
	NewDevice bool
	Alerted   bool
}

// Service implements the ingest path.
type Service struct {
	store    Store
	recorder Recorder
	alerts   AlertChecker
	now      func() time.Time
	logger   zerolog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithAlerts enables dryness checks on accepted readings.
func WithAlerts(a AlertChecker) Option {
	return func(s *Service) { s.alerts = a }
}

// WithClock replaces the wall clock used when a sample carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs the ingest service.
func New(store Store, recorder Recorder, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		recorder: recorder,
		now:      time.Now,
		logger:   logger.With().Str("component", "ingest").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest accepts one raw sample for deviceID. A zero at means "now".
// Writes are not rolled back when a later step fails.
func (s *Service) Ingest(ctx context.Context, deviceID string, raw float64, at time.Time) (Result, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		s.logger.Debug().Msg("rejecting sample without device id")
		return Result{}, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		s.logger.Debug().Str("device", deviceID).Msg("rejecting non-finite sample")
		return Result{}, fmt.Errorf("%w: raw must be a finite number", ErrInvalidInput)
	}
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	cfg, err := s.store.Calibration(ctx, deviceID)
	if err != nil {
		return Result{}, fmt.Errorf("load calibration: %w", err)
	}
	percent, err := calibration.Convert(raw, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	res := Result{
		DeviceID: deviceID,
		Reading:  storage.Reading{Raw: raw, Percent: &percent, At: at},
	}

	if err := s.store.AppendReading(ctx, deviceID, res.Reading); err != nil {
		return Result{}, fmt.Errorf("append reading: %w", err)
	}

	if res.Rollup, err = s.recorder.RecordSample(ctx, deviceID, raw, at); err != nil {
		return res, fmt.Errorf("record sample: %w", err)
	}

	if res.NewDevice, err = s.store.RegisterDevice(ctx, deviceID); err != nil {
		return res, fmt.Errorf("register device: %w", err)
	}
	if res.NewDevice {
		s.logger.Info().Str("device", deviceID).Msg("new device registered")
	}

	if s.alerts != nil {
		note := alerting.Notification{
			DeviceID:   deviceID,
			At:         at,
			Raw:        raw,
			Percent:    percent,
			Calibrated: cfg.Calibrated(),
		}
		alerted, err := s.alerts.Check(ctx, note)
		if err != nil {
			s.logger.Error().Err(err).Str("device", deviceID).Msg("dryness check failed")
		}
		res.Alerted = alerted
	}

	s.logger.Debug().
		Str("device", deviceID).
		Float64("raw", raw).
		Float64("percent", percent).
		Bool("rollup", res.Rollup != nil).
		Msg("sample accepted")
	return res, nil
}
