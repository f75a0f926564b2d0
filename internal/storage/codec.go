package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"soilwatch/internal/calibration"
)

var (
	// ErrUnavailable marks failures to reach the durable store.
	ErrUnavailable = errors.New("storage: backend unavailable")
	// ErrMalformed marks a stored value that failed to decode. It never
	// leaves this package: callers see such values as absent.
	ErrMalformed = errors.New("storage: malformed stored value")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func malformed(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrMalformed, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", v, err)
	}
	return string(b), nil
}

func decodeReading(s string) (Reading, error) {
	var r Reading
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Reading{}, malformed("reading", err)
	}
	if r.At.IsZero() || !isFinite(r.Raw) {
		return Reading{}, malformed("reading", errors.New("missing timestamp or raw"))
	}
	return r, nil
}

func decodeRollup(s string) (RollupPoint, error) {
	var p RollupPoint
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return RollupPoint{}, malformed("rollup point", err)
	}
	if p.At.IsZero() || !isFinite(p.RawAvg) {
		return RollupPoint{}, malformed("rollup point", errors.New("missing timestamp or rawAvg"))
	}
	return p, nil
}

func decodeCalibration(s string) (*calibration.Config, error) {
	var c calibration.Config
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, malformed("calibration", err)
	}
	return &c, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
