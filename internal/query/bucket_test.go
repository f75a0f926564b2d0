package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soilwatch/internal/calibration"
)

func f(v float64) *float64 { return &v }

func TestBucketizeGroupsAndAverages(t *testing.T) {
	width := time.Minute
	entries := []Sample{
		{At: time.UnixMilli(125_000), Raw: f(300)},
		{At: time.UnixMilli(5_000), Raw: f(100)},
		{At: time.UnixMilli(59_999), Raw: f(200)},
	}

	out := Bucketize(entries, width, nil)
	require.Len(t, out, 2)

	assert.Equal(t, int64(30_000), out[0].At.UnixMilli())
	assert.InDelta(t, 150.0, *out[0].RawAvg, 1e-9)
	assert.InDelta(t, calibration.ToPercent(150, nil), *out[0].Percent, 1e-9)

	assert.Equal(t, int64(150_000), out[1].At.UnixMilli())
	assert.InDelta(t, 300.0, *out[1].RawAvg, 1e-9)
}

func TestBucketizeValuePreference(t *testing.T) {
	width := time.Minute
	cases := []struct {
		name  string
		entry Sample
		want  float64
	}{
		{"raw wins over everything", Sample{Raw: f(1000), RawAvg: f(2000), Percent: f(10)}, 1000},
		{"rawAvg wins over percent", Sample{RawAvg: f(2000), Percent: f(10)}, 2000},
		{"percent derives raw", Sample{Percent: f(50)}, calibration.RawMax / 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Bucketize([]Sample{tc.entry}, width, nil)
			require.Len(t, out, 1)
			assert.InDelta(t, tc.want, *out[0].RawAvg, 1e-9)
		})
	}

	out := Bucketize([]Sample{{At: time.UnixMilli(0)}}, width, nil)
	assert.Empty(t, out, "entries without any value are skipped")
}

func TestBucketizeMixedSourcesInOneBucket(t *testing.T) {
	out := Bucketize([]Sample{
		{At: time.UnixMilli(1000), Raw: f(1000)},
		{At: time.UnixMilli(2000), Percent: f(100)},
	}, time.Minute, nil)
	require.Len(t, out, 1)
	assert.InDelta(t, (1000+calibration.RawMax)/2, *out[0].RawAvg, 1e-9)
}

func TestBucketizeIsPure(t *testing.T) {
	dry, wet := 3000.0, 1000.0
	cfg := &calibration.Config{RawDry: &dry, RawWet: &wet}
	entries := []Sample{
		{At: time.UnixMilli(1000), Raw: f(2000)},
		{At: time.UnixMilli(61_000), RawAvg: f(1500)},
	}
	first := Bucketize(entries, time.Minute, cfg)
	second := Bucketize(entries, time.Minute, cfg)
	assert.Equal(t, first, second)
	assert.InDelta(t, 50.0, *first[0].Percent, 1e-9)
	assert.Equal(t, 2000.0, *entries[0].Raw)
}

func TestFillMissingCount(t *testing.T) {
	widths := []time.Duration{time.Minute, 30 * time.Minute, 2 * time.Hour}
	spans := []time.Duration{time.Hour, 24 * time.Hour, 7 * 24 * time.Hour, 90 * time.Second}
	to := time.Date(2024, 6, 1, 13, 37, 12, 0, time.UTC)

	for _, width := range widths {
		for _, span := range spans {
			from := AlignDown(to.Add(-span), width)
			out := FillMissing(nil, from, to, width)
			want := int(to.Sub(from)/width) + 1
			require.Len(t, out, want, "width=%s span=%s", width, span)
			for i := 1; i < len(out); i++ {
				assert.Equal(t, width, out[i].At.Sub(out[i-1].At))
			}
			for _, p := range out {
				assert.Nil(t, p.Percent)
				assert.Nil(t, p.RawAvg)
			}
		}
	}
}

func TestFillMissingKeepsBucketizedPoints(t *testing.T) {
	width := time.Minute
	series := Bucketize([]Sample{{At: time.UnixMilli(125_000), Raw: f(400)}}, width, nil)

	out := FillMissing(series, time.UnixMilli(0), time.UnixMilli(239_000), width)
	require.Len(t, out, 4)
	assert.Nil(t, out[0].Percent)
	assert.Nil(t, out[1].Percent)
	require.NotNil(t, out[2].RawAvg)
	assert.Equal(t, 400.0, *out[2].RawAvg)
	assert.Nil(t, out[3].Percent)
	assert.Equal(t, int64(30_000), out[0].At.UnixMilli())
}

func TestFillMissingEmptyRange(t *testing.T) {
	assert.Empty(t, FillMissing(nil, time.UnixMilli(10), time.UnixMilli(0), time.Minute))
	assert.Empty(t, FillMissing(nil, time.UnixMilli(0), time.UnixMilli(10), 0))
}

func TestAlignDown(t *testing.T) {
	at := time.Date(2024, 6, 1, 13, 37, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 1, 13, 30, 0, 0, time.UTC), AlignDown(at, 30*time.Minute))
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), AlignDown(at, 2*time.Hour))
}
