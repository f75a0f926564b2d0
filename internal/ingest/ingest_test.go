package ingest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soilwatch/internal/aggregator"
	"soilwatch/internal/alerting"
	"soilwatch/internal/calibration"
	"soilwatch/internal/storage"
)

type fixture struct {
	svc     *Service
	store   *storage.Store
	backend *storage.Memory
}

func newFixture(opts storage.Options, svcOpts ...Option) fixture {
	backend := storage.NewMemory(zerolog.Nop())
	store := storage.NewStore(backend, opts, zerolog.Nop())
	agg := aggregator.New(store, 10*time.Minute, zerolog.Nop())
	return fixture{svc: New(store, agg, zerolog.Nop(), svcOpts...), store: store, backend: backend}
}

func TestIngestUncalibrated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(storage.Options{})
	at := time.UnixMilli(1_700_000_000_000)

	res, err := f.svc.Ingest(ctx, "a", 2047.5, at)
	require.NoError(t, err)
	require.NotNil(t, res.Reading.Percent)
	assert.InDelta(t, 50.0, *res.Reading.Percent, 1e-9)
	assert.True(t, res.NewDevice)

	latest, err := f.store.Latest(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2047.5, latest.Raw)
	assert.True(t, at.Equal(latest.At))

	history, err := f.store.History(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2047.5, history[0].Raw)

	devices, err := f.store.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, devices)
}

func TestIngestInvertedCalibration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(storage.Options{})
	dry, wet := 3000.0, 1000.0
	require.NoError(t, f.store.SetCalibration(ctx, "a", &calibration.Config{RawDry: &dry, RawWet: &wet}))

	res, err := f.svc.Ingest(ctx, "a", 2000, time.Unix(10, 0))
	require.NoError(t, err)
	assert.InDelta(t, 50.0, *res.Reading.Percent, 1e-9)

	res, err = f.svc.Ingest(ctx, "a", 3500, time.Unix(20, 0))
	require.NoError(t, err)
	assert.Equal(t, 0.0, *res.Reading.Percent)

	res, err = f.svc.Ingest(ctx, "a", 500, time.Unix(30, 0))
	require.NoError(t, err)
	assert.Equal(t, 100.0, *res.Reading.Percent)
}

func TestIngestRejectsInvalidWithoutWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(storage.Options{})

	cases := []struct {
		device string
		raw    float64
	}{
		{"", 100},
		{"   ", 100},
		{"a", math.NaN()},
		{"a", math.Inf(1)},
	}
	for _, tc := range cases {
		_, err := f.svc.Ingest(ctx, tc.device, tc.raw, time.Unix(1, 0))
		assert.ErrorIs(t, err, ErrInvalidInput)
	}

	latest, err := f.store.Latest(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, latest)
	devices, err := f.store.Devices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)
	acc, err := f.store.Accumulator(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, acc)
}

func TestIngestHistoryNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(storage.Options{HistoryCap: 5})

	for i := 0; i < 12; i++ {
		_, err := f.svc.Ingest(ctx, "a", float64(i), time.Unix(int64(i), 0))
		require.NoError(t, err)
		n, err := f.backend.Len(ctx, "soil:a:history")
		require.NoError(t, err)
		assert.LessOrEqual(t, n, int64(5))
	}

	history, err := f.store.History(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, 11.0, history[0].Raw)
	assert.Equal(t, 7.0, history[4].Raw)
}

func TestIngestFlushesRollup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(storage.Options{})

	for _, raw := range []float64{100, 200, 300} {
		_, err := f.svc.Ingest(ctx, "a", raw, time.UnixMilli(60_000))
		require.NoError(t, err)
	}
	res, err := f.svc.Ingest(ctx, "a", 50, time.UnixMilli(600_001))
	require.NoError(t, err)
	require.NotNil(t, res.Rollup)
	assert.InDelta(t, 200.0, res.Rollup.RawAvg, 1e-9)
	assert.Equal(t, int64(300_000), res.Rollup.At.UnixMilli())
	assert.False(t, res.NewDevice)
}

func TestIngestUsesClockForZeroTime(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(storage.Options{}, WithClock(func() time.Time { return fixed }))

	res, err := f.svc.Ingest(ctx, "a", 100, time.Time{})
	require.NoError(t, err)
	assert.True(t, fixed.Equal(res.Reading.At))
}

type stubAlerts struct {
	notes []alerting.Notification
	err   error
}

func (s *stubAlerts) Check(_ context.Context, n alerting.Notification) (bool, error) {
	s.notes = append(s.notes, n)
	return s.err == nil, s.err
}

func TestIngestAlertFailureDoesNotFailIngest(t *testing.T) {
	ctx := context.Background()
	alerts := &stubAlerts{err: errors.New("telegram down")}
	f := newFixture(storage.Options{}, WithAlerts(alerts))

	res, err := f.svc.Ingest(ctx, "a", 10, time.Unix(1, 0))
	require.NoError(t, err)
	assert.False(t, res.Alerted)
	require.Len(t, alerts.notes, 1)
	assert.Equal(t, "a", alerts.notes[0].DeviceID)
	assert.False(t, alerts.notes[0].Calibrated)
}

type downBackend struct{ *storage.Memory }

func (downBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, storage.ErrUnavailable
}

func TestIngestStoreUnavailable(t *testing.T) {
	store := storage.NewStore(downBackend{storage.NewMemory(zerolog.Nop())}, storage.Options{}, zerolog.Nop())
	svc := New(store, aggregator.New(store, 0, zerolog.Nop()), zerolog.Nop())

	_, err := svc.Ingest(context.Background(), "a", 1, time.Unix(1, 0))
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidInput)
}
