package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"soilwatch/internal/calibration"
	"soilwatch/internal/query"
)

// Ingest pushes one sample through the ingest path.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	return a.withComponents(ctx, true, func(c *components) error {
		res, err := c.ingest.Ingest(ctx, opts.DeviceID, opts.Raw, opts.At)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "accepted %s raw=%s percent=%s at=%s\n",
			res.DeviceID, formatFloat(res.Reading.Raw, 1), formatPercent(res.Reading.Percent),
			res.Reading.At.Format(time.RFC3339))
		if res.Rollup != nil {
			fmt.Fprintf(a.Out, "closed window at=%s rawAvg=%s\n",
				res.Rollup.At.Format(time.RFC3339), formatFloat(res.Rollup.RawAvg, 1))
		}
		return nil
	})
}

// Query prints a range query as a table or JSON.
func (a *App) Query(ctx context.Context, opts QueryOptions) error {
	return a.withComponents(ctx, false, func(c *components) error {
		resp, err := c.query.Query(ctx, opts.DeviceID, opts.Range)
		if errors.Is(err, query.ErrNoData) {
			fmt.Fprintln(a.Out, "no data")
			return nil
		}
		if err != nil {
			return err
		}

		if opts.JSON {
			enc := json.NewEncoder(a.Out)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}

		if resp.Latest != nil {
			fmt.Fprintf(a.Out, "latest: raw=%s percent=%s at=%s\n",
				formatFloat(resp.Latest.Raw, 1), formatPercent(resp.Latest.Percent),
				resp.Latest.At.Format(time.RFC3339))
		}
		if len(resp.Series) == 0 {
			return nil
		}
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tRaw avg\tPercent")
		for _, p := range resp.Series {
			fmt.Fprintf(writer, "%s\t%s\t%s\n", p.At.Format(time.RFC3339), formatOptional(p.RawAvg, 1), formatPercent(p.Percent))
		}
		return writer.Flush()
	})
}

// Show prints recent fine history or rollup points.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	return a.withComponents(ctx, false, func(c *components) error {
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)

		if opts.Rollups {
			points, err := c.store.Rollups(ctx, opts.DeviceID, opts.Limit)
			if err != nil {
				return err
			}
			if len(points) == 0 {
				fmt.Fprintln(a.Out, "no rollups found")
				return nil
			}
			fmt.Fprintln(writer, "Window mid (UTC)\tRaw avg\tPercent")
			for _, p := range points {
				fmt.Fprintf(writer, "%s\t%s\t%s\n", p.At.Format(time.RFC3339), formatFloat(p.RawAvg, 1), formatPercent(p.Percent))
			}
			return writer.Flush()
		}

		readings, err := c.store.History(ctx, opts.DeviceID, opts.Limit)
		if err != nil {
			return err
		}
		if len(readings) == 0 {
			fmt.Fprintln(a.Out, "no readings found")
			return nil
		}
		fmt.Fprintln(writer, "Time (UTC)\tRaw\tPercent")
		for _, r := range readings {
			fmt.Fprintf(writer, "%s\t%s\t%s\n", r.At.Format(time.RFC3339), formatFloat(r.Raw, 1), formatPercent(r.Percent))
		}
		return writer.Flush()
	})
}

// Calibrate sets or resets a device calibration.
func (a *App) Calibrate(ctx context.Context, opts CalibrateOptions) error {
	if strings.TrimSpace(opts.DeviceID) == "" {
		return errors.New("--device is required")
	}
	return a.withComponents(ctx, false, func(c *components) error {
		current, err := c.store.Calibration(ctx, opts.DeviceID)
		if err != nil {
			return err
		}
		next := current.Apply(calibration.Update{RawDry: opts.RawDry, RawWet: opts.RawWet, Reset: opts.Reset}, time.Now().UTC())
		if err := c.store.SetCalibration(ctx, opts.DeviceID, next); err != nil {
			return err
		}
		if next == nil {
			fmt.Fprintf(a.Out, "calibration of %s reset\n", opts.DeviceID)
			return nil
		}
		fmt.Fprintf(a.Out, "calibration of %s: dry=%s wet=%s calibrated=%t\n",
			opts.DeviceID, formatOptional(next.RawDry, 0), formatOptional(next.RawWet, 0), next.Calibrated())
		return nil
	})
}

// Devices lists known devices with their calibration state.
func (a *App) Devices(ctx context.Context) error {
	return a.withComponents(ctx, false, func(c *components) error {
		ids, err := c.store.Devices(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(a.Out, "no devices registered")
			return nil
		}
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Device\tCalibrated\tLast seen (UTC)")
		for _, id := range ids {
			cfg, err := c.store.Calibration(ctx, id)
			if err != nil {
				return err
			}
			latest, err := c.store.Latest(ctx, id)
			if err != nil {
				return err
			}
			seen := "-"
			if latest != nil {
				seen = latest.At.Format(time.RFC3339)
			}
			fmt.Fprintf(writer, "%s\t%t\t%s\n", id, cfg.Calibrated(), seen)
		}
		return writer.Flush()
	})
}

// Stats prints retention and accumulator state for a device.
func (a *App) Stats(ctx context.Context, deviceID string) error {
	return a.withComponents(ctx, false, func(c *components) error {
		stats, err := c.store.Stats(ctx, deviceID)
		if err != nil {
			return err
		}
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(writer, "Device\t%s\n", stats.DeviceID)
		fmt.Fprintf(writer, "History\t%d / %d\n", stats.HistoryLen, c.store.HistoryCap())
		fmt.Fprintf(writer, "Rollups\t%d / %d\n", stats.RollupLen, c.store.RollupCap())
		fmt.Fprintf(writer, "Latest\t%t\n", stats.HasLatest)
		fmt.Fprintf(writer, "Calibrated\t%t\n", stats.Calibrated)
		if acc := stats.Accumulator; acc != nil {
			fmt.Fprintf(writer, "Window\t%s\n", time.UnixMilli(acc.WindowStart).UTC().Format(time.RFC3339))
			fmt.Fprintf(writer, "Window samples\t%d (sum %s)\n", acc.Count, acc.Sum.String())
		}
		return writer.Flush()
	})
}

func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

func formatOptional(v *float64, places int32) string {
	if v == nil {
		return "-"
	}
	return formatFloat(*v, places)
}

func formatPercent(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatFloat(*v, 1) + "%"
}
