package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisFromClient(client, zerolog.Nop())
	t.Cleanup(func() { _ = backend.Close() })
	return NewStore(backend, opts, zerolog.Nop()), mr
}

func TestRedisAppendReadingCapped(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, Options{HistoryCap: 2})

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendReading(ctx, "a", Reading{Raw: float64(i), At: time.Unix(int64(i+1), 0).UTC()}))
	}
	items, err := mr.List("soil:a:history")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	history, err := store.History(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2.0, history[0].Raw)

	latest, err := store.Latest(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2.0, latest.Raw)
}

func TestRedisAccumulateScript(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, Options{})

	for _, raw := range []float64{100, 200, 300} {
		w, err := store.Accumulate(ctx, "a", raw, 0)
		require.NoError(t, err)
		assert.Nil(t, w)
	}
	sum, err := mr.Get("soil:a:acc:sum")
	require.NoError(t, err)
	assert.Equal(t, "600", sum)

	w, err := store.Accumulate(ctx, "a", 50, 600000)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(0), w.WindowStart)
	assert.Equal(t, int64(3), w.Count)
	assert.InDelta(t, 200.0, w.Average(), 1e-9)

	acc, err := store.Accumulator(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, int64(600000), acc.WindowStart)
	assert.Equal(t, int64(1), acc.Count)
}

func TestRedisAccumulateKeepsFractionalSum(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, Options{})

	first, second := 0.1, 0.2
	want := first + second

	_, err := store.Accumulate(ctx, "a", first, 0)
	require.NoError(t, err)
	_, err = store.Accumulate(ctx, "a", second, 0)
	require.NoError(t, err)

	sum, err := mr.Get("soil:a:acc:sum")
	require.NoError(t, err)
	assert.Equal(t, "0.30000000000000004", sum)

	w, err := store.CloseWindow(ctx, "a", 600000)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, want, w.Sum.InexactFloat64())
}

func TestRedisCloseWindowScript(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t, Options{})

	_, err := store.Accumulate(ctx, "a", 10.5, 0)
	require.NoError(t, err)

	w, err := store.CloseWindow(ctx, "a", 0)
	require.NoError(t, err)
	assert.Nil(t, w)

	w, err = store.CloseWindow(ctx, "a", 600000)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.InDelta(t, 10.5, w.Average(), 1e-9)

	w, err = store.CloseWindow(ctx, "a", 600000)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestRedisDevices(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t, Options{Prefix: "x"})

	added, err := store.RegisterDevice(ctx, "z")
	require.NoError(t, err)
	assert.True(t, added)
	_, err = store.RegisterDevice(ctx, "m")
	require.NoError(t, err)

	devices, err := store.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m", "z"}, devices)

	ok, err := store.IsDevice(ctx, "m")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, Options{})
	mr.Close()

	_, err := store.Latest(ctx, "a")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, store.Ping(ctx), ErrUnavailable)
}
