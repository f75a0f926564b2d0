package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"soilwatch/internal/scheduler"
	"soilwatch/internal/storage"
)

// DeviceLister enumerates known devices.
type DeviceLister interface {
	Devices(ctx context.Context) ([]string, error)
}

// Flusher closes idle aggregation windows.
type Flusher interface {
	FlushIdle(ctx context.Context, deviceID string, now time.Time) (*storage.RollupPoint, error)
}

// Service runs the idle-window sweep: once per aggregation window it closes
// every device window that received samples but no successor.
type Service struct {
	scheduler *scheduler.Scheduler
	devices   DeviceLister
	flusher   Flusher
	logger    zerolog.Logger
}

// New constructs the sweep service.
func New(sched *scheduler.Scheduler, devices DeviceLister, flusher Flusher, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: sched,
		devices:   devices,
		flusher:   flusher,
		logger:    logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run begins the aligned sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Sweep)
}

// Sweep flushes windows that started before window for all known devices.
// A failing device does not stop the sweep; the failures are joined.
func (s *Service) Sweep(ctx context.Context, window time.Time) error {
	ids, err := s.devices.Devices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	var (
		errs    []error
		flushed int
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		point, err := s.flusher.FlushIdle(ctx, id, window)
		if err != nil {
			s.logger.Error().Err(err).Str("device", id).Msg("idle flush failed")
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
			continue
		}
		if point != nil {
			flushed++
		}
	}

	s.logger.Info().Time("window", window).
		Int("devices", len(ids)).
		Int("flushed", flushed).
		Msg("idle sweep finished")
	return errors.Join(errs...)
}
