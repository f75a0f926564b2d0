// Package query serves evenly spaced, gap-aware series for named ranges.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"soilwatch/internal/calibration"
	"soilwatch/internal/config"
	"soilwatch/internal/storage"
)

var (
	// ErrNoData means the device has neither a latest reading nor any value in range.
	ErrNoData = errors.New("query: no data")
	// ErrUnknownRange is returned for range names that are not configured.
	ErrUnknownRange = errors.New("query: unknown range")
)

// Store is the read side of storage.Store.
type Store interface {
	Latest(ctx context.Context, deviceID string) (*storage.Reading, error)
	History(ctx context.Context, deviceID string, limit int) ([]storage.Reading, error)
	Rollups(ctx context.Context, deviceID string, limit int) ([]storage.RollupPoint, error)
	Calibration(ctx context.Context, deviceID string) (*calibration.Config, error)
}

// Response is a query result.
type Response struct {
	DeviceID string              `json:"deviceId"`
	Range    string              `json:"range"`
	Latest   *storage.Reading    `json:"latest"`
	Config   *calibration.Config `json:"config"`
	Series   []Point             `json:"series,omitempty"`
}

// Service answers range queries against the store.
type Service struct {
	store  Store
	ranges *Ranges
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a query service. A nil ranges uses DefaultRanges.
func New(store Store, ranges *Ranges, logger zerolog.Logger) *Service {
	if ranges == nil {
		ranges = DefaultRanges()
	}
	return &Service{
		store:  store,
		ranges: ranges,
		now:    time.Now,
		logger: logger.With().Str("component", "query").Logger(),
	}
}

// Ranges exposes the range table.
func (s *Service) Ranges() *Ranges { return s.ranges }

// Query builds the response for deviceID over the named range.
func (s *Service) Query(ctx context.Context, deviceID, rangeName string) (Response, error) {
	rng, err := s.ranges.Resolve(rangeName)
	if err != nil {
		return Response{}, err
	}

	cfg, err := s.store.Calibration(ctx, deviceID)
	if err != nil {
		return Response{}, fmt.Errorf("load calibration: %w", err)
	}
	latest, err := s.store.Latest(ctx, deviceID)
	if err != nil {
		return Response{}, fmt.Errorf("load latest: %w", err)
	}
	if latest != nil {
		pct := calibration.ToPercent(latest.Raw, cfg)
		latest.Percent = &pct
	}

	resp := Response{DeviceID: deviceID, Range: rng.Name, Latest: latest, Config: cfg}
	if rng.Source == config.SourceLatest {
		if latest == nil {
			return Response{}, ErrNoData
		}
		return resp, nil
	}

	now := s.now().UTC()
	from := now.Add(-rng.Span)

	entries, err := s.load(ctx, deviceID, rng.Source)
	if err != nil {
		return Response{}, err
	}
	inRange := entries[:0]
	for _, e := range entries {
		if !e.At.Before(from) {
			inRange = append(inRange, e)
		}
	}

	if len(inRange) == 0 {
		if latest == nil {
			return Response{}, ErrNoData
		}
		resp.Series = []Point{{At: latest.At, RawAvg: &latest.Raw, Percent: latest.Percent}}
		return resp, nil
	}

	resp.Series = FillMissing(Bucketize(inRange, rng.Bucket, cfg), AlignDown(from, rng.Bucket), now, rng.Bucket)
	if latest == nil && allGaps(resp.Series) {
		return Response{}, ErrNoData
	}

	s.logger.Debug().
		Str("device", deviceID).
		Str("range", rng.Name).
		Int("entries", len(inRange)).
		Int("points", len(resp.Series)).
		Msg("query served")
	return resp, nil
}

func (s *Service) load(ctx context.Context, deviceID, source string) ([]Sample, error) {
	switch source {
	case config.SourceHistory:
		readings, err := s.store.History(ctx, deviceID, 0)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		return FromReadings(readings), nil
	case config.SourceRollup:
		points, err := s.store.Rollups(ctx, deviceID, 0)
		if err != nil {
			return nil, fmt.Errorf("load rollups: %w", err)
		}
		return FromRollups(points), nil
	default:
		return nil, fmt.Errorf("%w: source %q", ErrUnknownRange, source)
	}
}
