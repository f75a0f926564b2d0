package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reading is one accepted sensor sample. Write-once.
type Reading struct {
	Raw     float64   `json:"raw"`
	Percent *float64  `json:"percent"`
	At      time.Time `json:"at"`
}

// RollupPoint summarises one completed aggregation window.
type RollupPoint struct {
	At      time.Time `json:"at"`
	RawAvg  float64   `json:"rawAvg"`
	Percent *float64  `json:"percent"`
}

// Accumulator is the running state of a device's current aggregation window.
// WindowStart is a unix millisecond timestamp and only meaningful once Started.
type Accumulator struct {
	WindowStart int64
	Started     bool
	Sum         decimal.Decimal
	Count       int64
}

// WindowTotals is the content of a window closed by an accumulator transition.
type WindowTotals struct {
	WindowStart int64
	Sum         decimal.Decimal
	Count       int64
}

// Average returns sum/count of the closed window.
func (w WindowTotals) Average() float64 {
	if w.Count <= 0 {
		return 0
	}
	return w.Sum.Div(decimal.NewFromInt(w.Count)).InexactFloat64()
}

// DeviceStats describes how much data is retained for a device.
type DeviceStats struct {
	DeviceID    string
	HistoryLen  int64
	RollupLen   int64
	HasLatest   bool
	Calibrated  bool
	Accumulator *Accumulator
}
