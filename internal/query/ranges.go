package query

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"soilwatch/internal/config"
)

// Range is a resolved named range.
type Range struct {
	Name   string
	Source string
	Span   time.Duration
	Bucket time.Duration
}

// Ranges resolves range names and aliases.
type Ranges struct {
	byName map[string]Range
}

// NewRanges indexes the configured ranges by name and alias.
func NewRanges(cfg map[string]config.RangeConfig) (*Ranges, error) {
	r := &Ranges{byName: make(map[string]Range, len(cfg)*2)}
	for name, rc := range cfg {
		rng := Range{Name: name, Source: rc.Source, Span: rc.Span, Bucket: rc.Bucket}
		for _, key := range append([]string{name}, rc.Aliases...) {
			key = strings.ToLower(strings.TrimSpace(key))
			if prev, ok := r.byName[key]; ok && prev.Name != name {
				return nil, fmt.Errorf("range name %q used by both %s and %s", key, prev.Name, name)
			}
			r.byName[key] = rng
		}
	}
	return r, nil
}

// DefaultRanges mirrors the shipped configuration.
func DefaultRanges() *Ranges {
	r, _ := NewRanges(map[string]config.RangeConfig{
		"latest": {Source: config.SourceLatest},
		"short":  {Source: config.SourceHistory, Span: time.Hour, Bucket: time.Minute, Aliases: []string{"1h"}},
		"medium": {Source: config.SourceRollup, Span: 24 * time.Hour, Bucket: 30 * time.Minute, Aliases: []string{"24h"}},
		"long":   {Source: config.SourceRollup, Span: 7 * 24 * time.Hour, Bucket: 2 * time.Hour, Aliases: []string{"7d"}},
	})
	return r
}

// Resolve looks up a range by name or alias.
func (r *Ranges) Resolve(name string) (Range, error) {
	rng, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Range{}, fmt.Errorf("%w: %q", ErrUnknownRange, name)
	}
	return rng, nil
}

// Names lists accepted names and aliases.
func (r *Ranges) Names() []string {
	out := make([]string, 0, len(r.byName))
	for k := range r.byName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
