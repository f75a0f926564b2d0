package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soilwatch/internal/aggregator"
	"soilwatch/internal/storage"
)

func TestSweepFlushesIdleDevices(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemory(zerolog.Nop()), storage.Options{}, zerolog.Nop())
	agg := aggregator.New(store, 10*time.Minute, zerolog.Nop())

	for _, id := range []string{"a", "b"} {
		_, err := store.RegisterDevice(ctx, id)
		require.NoError(t, err)
	}
	_, err := agg.RecordSample(ctx, "a", 100, time.UnixMilli(1000))
	require.NoError(t, err)
	_, err = agg.RecordSample(ctx, "b", 300, time.UnixMilli(610_000))
	require.NoError(t, err)

	svc := New(nil, store, agg, zerolog.Nop())
	require.NoError(t, svc.Sweep(ctx, time.UnixMilli(600_000)))

	a, err := store.Rollups(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, 100.0, a[0].RawAvg)

	b, err := store.Rollups(ctx, "b", 0)
	require.NoError(t, err)
	assert.Empty(t, b, "window of b is still current")

	require.NoError(t, svc.Sweep(ctx, time.UnixMilli(600_000)))
	a, err = store.Rollups(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, a, 1, "a second sweep must not flush again")
}

type staticDevices []string

func (d staticDevices) Devices(context.Context) ([]string, error) { return d, nil }

type flakyFlusher struct{ calls []string }

func (f *flakyFlusher) FlushIdle(_ context.Context, id string, _ time.Time) (*storage.RollupPoint, error) {
	f.calls = append(f.calls, id)
	if id == "bad" {
		return nil, storage.ErrUnavailable
	}
	return nil, nil
}

func TestSweepContinuesPastFailures(t *testing.T) {
	flusher := &flakyFlusher{}
	svc := New(nil, staticDevices{"a", "bad", "c"}, flusher, zerolog.Nop())

	err := svc.Sweep(context.Background(), time.Now())
	assert.True(t, errors.Is(err, storage.ErrUnavailable))
	assert.Equal(t, []string{"a", "bad", "c"}, flusher.calls)
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(nil, staticDevices{}, &flakyFlusher{}, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}
