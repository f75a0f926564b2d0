package storage

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Advance applies one sample belonging to window (unix ms, already aligned).
// When the sample rolls a non-empty window over, the closed window is
// returned alongside the new state.
func (a Accumulator) Advance(raw decimal.Decimal, window int64) (Accumulator, *WindowTotals) {
	var closed *WindowTotals
	if a.Started && a.WindowStart != window && a.Count > 0 {
		closed = &WindowTotals{WindowStart: a.WindowStart, Sum: a.Sum, Count: a.Count}
		a.Sum = decimal.Zero
		a.Count = 0
	}

	a.Sum = a.Sum.Add(raw)
	a.Count++
	a.WindowStart = window
	a.Started = true
	return a, closed
}

// CloseBefore closes the accumulated window when it started before window.
// WindowStart is kept so a later sample in a new window does not flush again.
func (a Accumulator) CloseBefore(window int64) (Accumulator, *WindowTotals) {
	if !a.Started || a.Count == 0 || a.WindowStart >= window {
		return a, nil
	}
	closed := &WindowTotals{WindowStart: a.WindowStart, Sum: a.Sum, Count: a.Count}
	a.Sum = decimal.Zero
	a.Count = 0
	return a, closed
}

// encode renders the accumulator as the three decimal-string scalars stored
// under AccumulatorKeys.
func (a Accumulator) encode() (window, sum, count string) {
	return strconv.FormatInt(a.WindowStart, 10), a.Sum.String(), strconv.FormatInt(a.Count, 10)
}

// decodeAccumulator parses the stored scalars. Missing or malformed fields
// yield an empty accumulator together with ErrMalformed for the latter case.
func decodeAccumulator(window, sum, count string, windowOK, sumOK, countOK bool) (Accumulator, error) {
	if !windowOK {
		return Accumulator{}, nil
	}
	ws, err := strconv.ParseInt(window, 10, 64)
	if err != nil {
		return Accumulator{}, malformed("accumulator window", err)
	}
	acc := Accumulator{WindowStart: ws, Started: true, Sum: decimal.Zero}
	if sumOK {
		if acc.Sum, err = decimal.NewFromString(sum); err != nil {
			return Accumulator{WindowStart: ws, Started: true}, malformed("accumulator sum", err)
		}
	}
	if countOK {
		if acc.Count, err = strconv.ParseInt(count, 10, 64); err != nil || acc.Count < 0 {
			return Accumulator{WindowStart: ws, Started: true}, malformed("accumulator count", err)
		}
	}
	return acc, nil
}
