// Package calibration maps raw soil-moisture ADC samples onto a 0-100 % scale.
package calibration

import (
	"errors"
	"math"
	"time"
)

// RawMax is the full-scale value of the 12-bit ADC the sensors report with.
const RawMax = 4095.0

// ErrNonFinite is returned by Convert for NaN or infinite samples.
var ErrNonFinite = errors.New("calibration: raw value is not a finite number")

// Config is the per-device calibration. Either bound may be unset.
type Config struct {
	RawDry         *float64   `json:"rawDry"`
	RawWet         *float64   `json:"rawWet"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	LastCalibrated *time.Time `json:"lastCalibrated"`
}

// Calibrated reports whether both bounds are set and differ.
func (c *Config) Calibrated() bool {
	if c == nil || c.RawDry == nil || c.RawWet == nil {
		return false
	}
	return *c.RawDry != *c.RawWet
}

// Update carries a calibration change. Nil bounds keep the stored value.
type Update struct {
	RawDry *float64
	RawWet *float64
	Reset  bool
}

// Apply merges u into the current config and returns the result. A nil result
// means the calibration was reset and should be removed.
func (c *Config) Apply(u Update, now time.Time) *Config {
	if u.Reset {
		return nil
	}

	next := &Config{UpdatedAt: &now}
	if c != nil {
		next.RawDry = c.RawDry
		next.RawWet = c.RawWet
		next.LastCalibrated = c.LastCalibrated
	}
	if finite(u.RawDry) {
		v := *u.RawDry
		next.RawDry = &v
	}
	if finite(u.RawWet) {
		v := *u.RawWet
		next.RawWet = &v
	}
	if finite(u.RawDry) && finite(u.RawWet) && *u.RawDry != *u.RawWet {
		next.LastCalibrated = &now
	}
	return next
}

// ToPercent converts raw into a moisture percentage. Without a usable
// calibration the fixed ADC scale is used. The interpolation is plain linear,
// so rawDry may sit above or below rawWet.
func ToPercent(raw float64, c *Config) float64 {
	if !c.Calibrated() {
		return Clamp(100*raw/RawMax, 0, 100)
	}
	dry, wet := *c.RawDry, *c.RawWet
	return Clamp(100*(raw-dry)/(wet-dry), 0, 100)
}

// Convert is ToPercent with input validation.
func Convert(raw float64, c *Config) (float64, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, ErrNonFinite
	}
	return ToPercent(raw, c), nil
}

// RawFromPercent derives an equivalent raw value on the fixed ADC scale.
func RawFromPercent(p float64) float64 {
	return p / 100 * RawMax
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
