package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"token-alerts/internal/alerting"
	"token-alerts/internal/storage"
)

// exportRow is one sample annotated with its change from the previous sample
// and the subscription thresholds it crossed.
type exportRow struct {
	storage.MetricSample
	Change  *decimal.Decimal
	Crossed []string
}

// Export renders the sample history of one target as CSV and/or PNG. Thresholds
// of the target's enabled subscriptions are overlaid on the chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Instrument == "" {
		return errors.New("--instrument is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.interval(opts.Class))
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	target := storage.Target{Instrument: opts.Instrument, Class: opts.Class, Window: opts.Window}
	samples, err := store.ListSamplesBetween(ctx, target, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("target", target.String()).Msg("no samples found for export window")
		return nil
	}

	subs, err := store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	subs = subscriptionsFor(target, subs)

	rows := annotateSamples(samples, subs)
	exported := downsample(rows, opts.MaxPoints)
	a.Logger.Info().
		Str("target", target.String()).
		Int("total", len(rows)).
		Int("exported", len(exported)).
		Int("thresholds", len(subs)).
		Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, exported); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		// crossings are marked from the full series so downsampling cannot hide them
		if err := writeRowsPNG(opts.PNGPath, target, exported, crossings(rows), subs); err != nil {
			return err
		}
	}
	return nil
}

func subscriptionsFor(target storage.Target, subs []storage.Subscription) []storage.Subscription {
	out := subs[:0:0]
	for _, sub := range subs {
		if sub.Instrument == target.Instrument && sub.Class == target.Class && sub.Window == target.Window {
			out = append(out, sub)
		}
	}
	return out
}

func thresholdLabel(sub storage.Subscription) string {
	return fmt.Sprintf("%s %s", sub.Direction, sub.Threshold.String())
}

func annotateSamples(samples []storage.MetricSample, subs []storage.Subscription) []exportRow {
	rows := make([]exportRow, len(samples))
	for i, sample := range samples {
		rows[i].MetricSample = sample
		if i == 0 {
			continue
		}
		prev := samples[i-1].Value
		change := sample.Value.Sub(prev)
		rows[i].Change = &change
		for _, sub := range subs {
			if alerting.Crossed(sub.Direction, sub.Threshold, &prev, sample.Value) {
				rows[i].Crossed = append(rows[i].Crossed, thresholdLabel(sub))
			}
		}
	}
	return rows
}

func crossings(rows []exportRow) []exportRow {
	out := make([]exportRow, 0)
	for _, row := range rows {
		if len(row.Crossed) > 0 {
			out = append(out, row)
		}
	}
	return out
}

// downsample picks max evenly spaced items, always keeping the first and last.
func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func writeRowsCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"observed_at", "instrument", "metric_class", "window", "value", "change", "source", "crossed"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		change := ""
		if row.Change != nil {
			change = row.Change.String()
		}
		record := []string{
			row.ObservedAt.UTC().Format(time.RFC3339),
			row.Instrument,
			string(row.Class),
			string(row.Window),
			row.Value.String(),
			change,
			row.Source,
			strings.Join(row.Crossed, ";"),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRowsPNG(path string, target storage.Target, rows, marks []exportRow, subs []storage.Subscription) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	values := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.ObservedAt
		values[i] = row.Value.InexactFloat64()
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    target.String(),
			XValues: x,
			YValues: values,
		},
	}

	span := []time.Time{x[0], x[len(x)-1]}
	for _, sub := range subs {
		level := sub.Threshold.InexactFloat64()
		series = append(series, chart.TimeSeries{
			Name:    thresholdLabel(sub),
			Style:   chart.Style{StrokeDashArray: []float64{5, 5}},
			XValues: span,
			YValues: []float64{level, level},
		})
	}

	if len(marks) > 0 {
		annotations := make([]chart.Value2, 0, len(marks))
		for _, m := range marks {
			annotations = append(annotations, chart.Value2{
				XValue: chart.TimeToFloat64(m.ObservedAt),
				YValue: m.Value.InexactFloat64(),
				Label:  strings.Join(m.Crossed, ", "),
			})
		}
		series = append(series, chart.AnnotationSeries{Annotations: annotations})
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4g")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           string(target.Class),
			ValueFormatter: valueFormatter,
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
