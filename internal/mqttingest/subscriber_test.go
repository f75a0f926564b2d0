package mqttingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soilwatch/internal/ingest"
)

func TestDeviceFromTopic(t *testing.T) {
	cases := []struct {
		pattern, topic, want string
	}{
		{"soil/+/raw", "soil/bed-1/raw", "bed-1"},
		{"soil/+/raw", "soil/bed-1/percent", ""},
		{"soil/+/raw", "soil/raw", ""},
		{"farm/+/soil/+/raw", "farm/north/soil/s2/raw", "north"},
		{"soil/+/raw", "soil/ /raw", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeviceFromTopic(tc.pattern, tc.topic), tc.topic)
	}
}

func TestParsePayload(t *testing.T) {
	good := map[string]float64{
		"2047":               2047,
		" 12.5\n":            12.5,
		`{"raw":1800}`:       1800,
		`{"raw":"1800.5"}`:   1800.5,
		`{"raw":3, "v":"x"}`: 3,
	}
	for payload, want := range good {
		got, err := ParsePayload([]byte(payload))
		require.NoError(t, err, payload)
		assert.Equal(t, want, got, payload)
	}

	for _, payload := range []string{"", "wet", `{"raw":null}`, `{"nope":1}`, `{broken`, "NaN", "+Inf"} {
		_, err := ParsePayload([]byte(payload))
		assert.Error(t, err, payload)
	}
}

type recordingIngester struct {
	mu      sync.Mutex
	samples []Sample
	done    chan struct{}
}

func (r *recordingIngester) Ingest(_ context.Context, id string, raw float64, at time.Time) (ingest.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, Sample{DeviceID: id, Raw: raw, At: at})
	if len(r.samples) == 2 {
		close(r.done)
	}
	return ingest.Result{DeviceID: id}, nil
}

func TestEnqueueAndConsume(t *testing.T) {
	rec := &recordingIngester{done: make(chan struct{})}
	sub := NewSubscriber(Config{Topic: "soil/+/raw"}, rec, zerolog.Nop())
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	sub.now = func() time.Time { return fixed }

	sub.enqueue("soil/a/raw", []byte("100"))
	sub.enqueue("soil/b/raw", []byte("garbage"))
	sub.enqueue("other/a/raw", []byte("1"))
	sub.enqueue("soil/b/raw", []byte(`{"raw":200}`))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Consume(ctx) }()

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("samples were not consumed")
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []Sample{
		{DeviceID: "a", Raw: 100, At: fixed},
		{DeviceID: "b", Raw: 200, At: fixed},
	}, rec.samples)
}
