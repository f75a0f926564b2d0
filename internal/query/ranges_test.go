package query

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soilwatch/internal/config"
)

func TestResolveNamesAndAliases(t *testing.T) {
	ranges := DefaultRanges()

	cases := map[string]string{
		"latest": "latest",
		"short":  "short",
		"1h":     "short",
		" 24H ":  "medium",
		"7d":     "long",
	}
	for input, want := range cases {
		rng, err := ranges.Resolve(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, rng.Name, input)
	}

	long, err := ranges.Resolve("long")
	require.NoError(t, err)
	assert.Equal(t, config.SourceRollup, long.Source)
	assert.Equal(t, 168*time.Hour, long.Span)
	assert.Equal(t, 2*time.Hour, long.Bucket)
}

func TestResolveUnknownRange(t *testing.T) {
	_, err := DefaultRanges().Resolve("fortnight")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownRange))
}

func TestNewRangesRejectsAliasClash(t *testing.T) {
	_, err := NewRanges(map[string]config.RangeConfig{
		"short":  {Source: config.SourceHistory, Span: time.Hour, Bucket: time.Minute, Aliases: []string{"1h"}},
		"hourly": {Source: config.SourceRollup, Span: time.Hour, Bucket: 10 * time.Minute, Aliases: []string{"1h"}},
	})
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"1h", "24h", "7d", "latest", "long", "medium", "short"}, DefaultRanges().Names())
}
