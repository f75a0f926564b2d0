// Package fetcher pulls samples from devices that serve their current
// reading over HTTP instead of pushing it.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"soilwatch/internal/ingest"
)

const maxBodyBytes = 64 << 10

// Ingester accepts one sample.
type Ingester interface {
	Ingest(ctx context.Context, deviceID string, raw float64, at time.Time) (ingest.Result, error)
}

// Options parameterise the device poller.
type Options struct {
	// Targets maps device ids to the URL serving their reading.
	Targets   map[string]string
	Timeout   time.Duration
	UserAgent string
}

// Poller fetches readings from HTTP devices and ingests them.
type Poller struct {
	opts     Options
	ingester Ingester
	client   *http.Client
	now      func() time.Time
	logger   zerolog.Logger
}

// NewPoller constructs a poller.
func NewPoller(opts Options, ingester Ingester, logger zerolog.Logger) *Poller {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "soilwatch/1.0"
	}
	return &Poller{
		opts:     opts,
		ingester: ingester,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
		logger:   logger.With().Str("component", "device_fetcher").Logger(),
	}
}

// Poll fetches every target once. A failing device does not stop the round;
// the failures are joined.
func (p *Poller) Poll(ctx context.Context, _ time.Time) error {
	ids := make([]string, 0, len(p.opts.Targets))
	for id := range p.opts.Targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := p.Fetch(ctx, p.opts.Targets[id])
		if err != nil {
			p.logger.Warn().Err(err).Str("device", id).Msg("device fetch failed")
			errs = append(errs, fmt.Errorf("fetch %s: %w", id, err))
			continue
		}
		if _, err := p.ingester.Ingest(ctx, id, raw, p.now().UTC()); err != nil {
			errs = append(errs, fmt.Errorf("ingest %s: %w", id, err))
			continue
		}
		p.logger.Debug().Str("device", id).Float64("raw", raw).Msg("device sample fetched")
	}
	return errors.Join(errs...)
}

// Fetch reads the raw value currently served at url.
func (p *Poller) Fetch(ctx context.Context, url string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.opts.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, parseHTTPError(resp.StatusCode, payload)
	}
	return parseReading(payload)
}

type readingResponse struct {
	Raw   json.Number `json:"raw"`
	Value json.Number `json:"value"`
}

// parseReading accepts {"raw": n}, {"value": n} or a bare number. Numbers
// may also arrive as strings.
func parseReading(payload []byte) (float64, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return 0, errors.New("empty reading")
	}

	var candidate string
	if strings.HasPrefix(text, "{") {
		var res readingResponse
		if err := json.Unmarshal([]byte(text), &res); err != nil {
			return 0, fmt.Errorf("decode reading: %w", err)
		}
		candidate = res.Raw.String()
		if candidate == "" {
			candidate = res.Value.String()
		}
	} else {
		candidate = strings.Trim(text, `"`)
	}
	if candidate == "" {
		return 0, errors.New("reading has no raw value")
	}

	value, err := decimal.NewFromString(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse raw value: %w", err)
	}
	return value.InexactFloat64(), nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("device error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("device error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("device error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("device error (%d)", status)
}
