package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"soilwatch/internal/ingest"
)

type recordedSample struct {
	deviceID string
	raw      float64
	at       time.Time
}

type fakeIngester struct {
	mu      sync.Mutex
	samples []recordedSample
	err     error
}

func (f *fakeIngester) Ingest(_ context.Context, deviceID string, raw float64, at time.Time) (ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	f.samples = append(f.samples, recordedSample{deviceID: deviceID, raw: raw, at: at})
	return ingest.Result{DeviceID: deviceID}, nil
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func serveBody(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("user agent not set")
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseReading(t *testing.T) {
	cases := []struct {
		payload string
		want    float64
		wantErr bool
	}{
		{payload: `{"raw": 2047}`, want: 2047},
		{payload: `{"raw": "1234.5"}`, want: 1234.5},
		{payload: `{"value": 900}`, want: 900},
		{payload: "3100\n", want: 3100},
		{payload: `"812"`, want: 812},
		{payload: ``, wantErr: true},
		{payload: `{"status": "ok"}`, wantErr: true},
		{payload: `{"raw": "wet"}`, wantErr: true},
		{payload: `dry`, wantErr: true},
	}

	for _, tc := range cases {
		got, err := parseReading([]byte(tc.payload))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("payload %q: expected error, got %v", tc.payload, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("payload %q: unexpected error: %v", tc.payload, err)
		}
		if got != tc.want {
			t.Fatalf("payload %q: got %v want %v", tc.payload, got, tc.want)
		}
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := serveBody(t, http.StatusServiceUnavailable, `{"error": "sensor warming up"}`)
	p := NewPoller(Options{Timeout: time.Second}, &fakeIngester{}, noopLogger())

	_, err := p.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error on HTTP 503")
	}
	if want := "device error (503): sensor warming up"; err.Error() != want {
		t.Fatalf("unexpected error %q", err)
	}
}

func TestPollIngestsEveryTarget(t *testing.T) {
	dry := serveBody(t, http.StatusOK, `{"raw": 3900}`)
	wet := serveBody(t, http.StatusOK, `1500`)

	ing := &fakeIngester{}
	p := NewPoller(Options{Targets: map[string]string{
		"bed-b": wet.URL,
		"bed-a": dry.URL,
	}}, ing, noopLogger())
	at := time.Date(2024, 5, 1, 12, 3, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	if err := p.Poll(context.Background(), at); err != nil {
		t.Fatalf("poll: %v", err)
	}

	want := []recordedSample{
		{deviceID: "bed-a", raw: 3900, at: at},
		{deviceID: "bed-b", raw: 1500, at: at},
	}
	if len(ing.samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(ing.samples))
	}
	for i := range want {
		got := ing.samples[i]
		if got.deviceID != want[i].deviceID || got.raw != want[i].raw || !got.at.Equal(want[i].at) {
			t.Fatalf("sample %d: got %+v want %+v", i, got, want[i])
		}
	}
}

func TestPollContinuesPastFailingDevice(t *testing.T) {
	broken := serveBody(t, http.StatusInternalServerError, "")
	healthy := serveBody(t, http.StatusOK, `{"raw": 2000}`)

	ing := &fakeIngester{}
	p := NewPoller(Options{Targets: map[string]string{
		"bed-a": broken.URL,
		"bed-b": healthy.URL,
	}}, ing, noopLogger())

	err := p.Poll(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected joined error for failing device")
	}
	if len(ing.samples) != 1 || ing.samples[0].deviceID != "bed-b" {
		t.Fatalf("healthy device not ingested: %+v", ing.samples)
	}
}

func TestPollSurfacesIngestFailure(t *testing.T) {
	srv := serveBody(t, http.StatusOK, `{"raw": 2000}`)
	ingestErr := errors.New("store down")
	p := NewPoller(Options{Targets: map[string]string{"bed-a": srv.URL}}, &fakeIngester{err: ingestErr}, noopLogger())

	if err := p.Poll(context.Background(), time.Now()); !errors.Is(err, ingestErr) {
		t.Fatalf("expected ingest error, got %v", err)
	}
}
