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

	"market-change-alerts/internal/detector"
	"market-change-alerts/internal/market"
	"market-change-alerts/internal/storage"
)

// point is one instance reading plus its drift against the reading one
// window earlier.
type point struct {
	At        time.Time
	Value     float64
	ChangePct float64
	HasChange bool
}

// Export renders one instance's stored history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if !opts.Family.Valid() {
		return errors.New("--family must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	// snapshots older than retention are pruned anyway
	from := to.Add(-a.Config.Detector.Retention)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	points, err := a.collectPoints(ctx, store, opts.Family, opts.Instance, from, to)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Str("family", string(opts.Family)).Str("instance", opts.Instance.Encode()).Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, opts.Family, opts.Instance, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, opts.Family, opts.Instance, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// collectPoints extracts the instance's series and annotates each reading
// with its change against the latest reading at or before t-window.
func (a *App) collectPoints(ctx context.Context, history storage.HistoryReader, family market.Family, key market.InstanceKey, from, to time.Time) ([]point, error) {
	window := a.Config.Detector.Window
	snaps, err := history.ListSnapshotsBetween(ctx, family, from.Add(-window), to)
	if err != nil {
		return nil, err
	}

	series := make([]point, 0, len(snaps))
	for _, snap := range snaps {
		if v, ok := snap.Values[key]; ok {
			series = append(series, point{At: snap.Timestamp, Value: v})
		}
	}

	points := make([]point, 0, len(series))
	ref := -1
	for i, p := range series {
		for ref+1 < i && !series[ref+1].At.After(p.At.Add(-window)) {
			ref++
		}
		if p.At.Before(from) {
			continue
		}
		if ref >= 0 && !series[ref].At.After(p.At.Add(-window)) {
			if rate, reason := detector.DiffRate(p.Value, series[ref].Value); reason == detector.SkipNone {
				p.ChangePct = math.Copysign(rate*100, p.Value-series[ref].Value)
				p.HasChange = true
			}
		}
		points = append(points, p)
	}
	return points, nil
}

func downsamplePoints(points []point, max int) []point {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]point, 0, max)
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

func writePointsCSV(path string, family market.Family, key market.InstanceKey, points []point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "family", "instance", "value", "change_pct_vs_window"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		change := ""
		if p.HasChange {
			change = strconv.FormatFloat(p.ChangePct, 'f', 4, 64)
		}
		record := []string{
			p.At.UTC().Format(time.RFC3339),
			string(family),
			key.Encode(),
			strconv.FormatFloat(p.Value, 'f', -1, 64),
			change,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePointsPNG(path string, family market.Family, key market.InstanceKey, points []point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	values := make([]float64, len(points))
	changeX := make([]time.Time, 0, len(points))
	changes := make([]float64, 0, len(points))

	for i, p := range points {
		x[i] = p.At
		values[i] = p.Value
		if p.HasChange {
			changeX = append(changeX, p.At)
			changes = append(changes, p.ChangePct)
		}
	}

	name := family.Tag()
	if label := key.Label(); label != "" {
		name += " " + label
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    name,
			XValues: x,
			YValues: values,
		},
	}
	// go-chart needs at least two points per series to draw a line
	if len(changeX) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "Change vs window %",
			XValues: changeX,
			YValues: changes,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           name,
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Change (%)",
			ValueFormatter: pctFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

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
