package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"soilwatch/internal/query"
)

// Export renders a query series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	return a.withComponents(ctx, false, func(c *components) error {
		resp, err := c.query.Query(ctx, opts.DeviceID, opts.Range)
		if err != nil && !errors.Is(err, query.ErrNoData) {
			return err
		}
		if len(resp.Series) == 0 {
			a.Logger.Info().Str("device", opts.DeviceID).Msg("no series for export range")
			return nil
		}

		points := downsamplePoints(resp.Series, opts.MaxPoints)
		a.Logger.Info().Int("total", len(resp.Series)).Int("exported", len(points)).Msg("exporting series")

		if opts.CSVPath != "" {
			if err := writeSeriesCSV(opts.CSVPath, points); err != nil {
				return err
			}
		}
		if opts.PNGPath != "" {
			if err := writeSeriesPNG(opts.PNGPath, opts.DeviceID, points); err != nil {
				return err
			}
		}
		return nil
	})
}

func downsamplePoints(points []query.Point, max int) []query.Point {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]query.Point, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeSeriesCSV(path string, points []query.Point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"at", "raw_avg", "percent"}); err != nil {
		return err
	}
	for _, p := range points {
		record := []string{p.At.UTC().Format(time.RFC3339), csvFloat(p.RawAvg), csvFloat(p.Percent)}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

// chartSegments splits the series at gaps so each run of values becomes its
// own line.
func chartSegments(points []query.Point) [][]query.Point {
	var (
		segments [][]query.Point
		current  []query.Point
	)
	for _, p := range points {
		if p.Percent == nil {
			if len(current) > 0 {
				segments = append(segments, current)
				current = nil
			}
			continue
		}
		current = append(current, p)
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}
	return segments
}

func writeSeriesPNG(path, deviceID string, points []query.Point) error {
	segments := chartSegments(points)
	if len(segments) == 0 {
		return errors.New("series has no values to plot")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	style := chart.Style{StrokeColor: chart.ColorBlue, StrokeWidth: 2}
	series := make([]chart.Series, 0, len(segments))
	for i, seg := range segments {
		x := make([]time.Time, len(seg))
		y := make([]float64, len(seg))
		for j, p := range seg {
			x[j] = p.At
			y[j] = *p.Percent
		}
		// go-chart needs two points to draw a line.
		if len(seg) == 1 {
			x = append(x, x[0].Add(time.Second))
			y = append(y, y[0])
		}
		ts := chart.TimeSeries{XValues: x, YValues: y, Style: style}
		if i == 0 {
			ts.Name = deviceID
		}
		series = append(series, ts)
	}

	percentFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f%%")
	}
	graph := chart.Chart{
		Title:  deviceID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Moisture (%)",
			ValueFormatter: percentFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 100},
		},
		Series: series,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
