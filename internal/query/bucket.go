package query

import (
	"sort"
	"time"

	"soilwatch/internal/calibration"
	"soilwatch/internal/storage"
)

// Sample is one source entry for bucketing. Any subset of the value fields
// may be set.
type Sample struct {
	At      time.Time
	Raw     *float64
	RawAvg  *float64
	Percent *float64
}

// Point is one output bucket. Nil fields mark a gap, not zero.
type Point struct {
	At      time.Time `json:"at"`
	RawAvg  *float64  `json:"rawAvg"`
	Percent *float64  `json:"percent"`
}

// FromReadings converts fine history into samples.
func FromReadings(readings []storage.Reading) []Sample {
	out := make([]Sample, 0, len(readings))
	for _, r := range readings {
		raw := r.Raw
		out = append(out, Sample{At: r.At, Raw: &raw, Percent: r.Percent})
	}
	return out
}

// FromRollups converts rollup points into samples.
func FromRollups(points []storage.RollupPoint) []Sample {
	out := make([]Sample, 0, len(points))
	for _, p := range points {
		avg := p.RawAvg
		out = append(out, Sample{At: p.At, RawAvg: &avg, Percent: p.Percent})
	}
	return out
}

// rawValue picks the sample's raw-equivalent value: raw, then rawAvg, then
// the raw implied by percent.
func (s Sample) rawValue() (float64, bool) {
	switch {
	case s.Raw != nil:
		return *s.Raw, true
	case s.RawAvg != nil:
		return *s.RawAvg, true
	case s.Percent != nil:
		return calibration.RawFromPercent(*s.Percent), true
	default:
		return 0, false
	}
}

// Bucketize groups entries into width-sized buckets aligned to the epoch and
// averages each bucket. Output is ascending and holds only non-empty buckets.
func Bucketize(entries []Sample, width time.Duration, calib *calibration.Config) []Point {
	if width <= 0 {
		return nil
	}

	type acc struct {
		sum   float64
		count int
	}
	buckets := make(map[int64]*acc)
	for _, e := range entries {
		v, ok := e.rawValue()
		if !ok {
			continue
		}
		idx := bucketIndex(e.At, width)
		b, ok := buckets[idx]
		if !ok {
			b = &acc{}
			buckets[idx] = b
		}
		b.sum += v
		b.count++
	}

	indexes := make([]int64, 0, len(buckets))
	for idx := range buckets {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	out := make([]Point, 0, len(indexes))
	for _, idx := range indexes {
		b := buckets[idx]
		avg := b.sum / float64(b.count)
		pct := calibration.ToPercent(avg, calib)
		out = append(out, Point{At: bucketCenter(idx, width), RawAvg: &avg, Percent: &pct})
	}
	return out
}

// FillMissing returns one point per bucket index from floor(from/width) to
// floor(to/width) inclusive, taking values from series where present.
func FillMissing(series []Point, from, to time.Time, width time.Duration) []Point {
	if width <= 0 || to.Before(from) {
		return nil
	}

	byIndex := make(map[int64]Point, len(series))
	for _, p := range series {
		byIndex[bucketIndex(p.At, width)] = p
	}

	first, last := bucketIndex(from, width), bucketIndex(to, width)
	out := make([]Point, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		if p, ok := byIndex[idx]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, Point{At: bucketCenter(idx, width)})
	}
	return out
}

// AlignDown truncates t to the start of its bucket.
func AlignDown(t time.Time, width time.Duration) time.Time {
	return time.UnixMilli(bucketIndex(t, width) * width.Milliseconds()).UTC()
}

func bucketIndex(t time.Time, width time.Duration) int64 {
	ms, w := t.UnixMilli(), width.Milliseconds()
	idx := ms / w
	if ms < 0 && ms%w != 0 {
		idx--
	}
	return idx
}

func bucketCenter(idx int64, width time.Duration) time.Time {
	return time.UnixMilli(idx*width.Milliseconds()).Add(width / 2).UTC()
}

// allGaps reports whether no point carries a value.
func allGaps(series []Point) bool {
	for _, p := range series {
		if p.Percent != nil {
			return false
		}
	}
	return true
}
