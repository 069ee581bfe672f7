package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"oracle-health-alerts/internal/storage"
)

// Export renders the aggregate history of one pair as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Pair.Contract == "" {
		return errors.New("--chain and --contract are required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	aggs, err := store.ListAggregates(ctx, storage.AggregateFilter{Pair: opts.Pair, From: from, To: to, Limit: math.MaxInt32})
	if err != nil {
		return err
	}
	if len(aggs) == 0 {
		a.Logger.Info().Str("pair", opts.Pair.String()).Msg("no aggregates found for export window")
		return nil
	}
	// oldest first for plotting
	slices.Reverse(aggs)

	downsampled := downsampleAggregates(aggs, opts.MaxPoints)
	a.Logger.Info().Int("total", len(aggs)).Int("exported", len(downsampled)).Msg("exporting aggregates")

	if opts.CSVPath != "" {
		if err := writeAggregatesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAggregatesPNG(opts.PNGPath, opts.Pair, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleAggregates(aggs []storage.PriceAggregate, max int) []storage.PriceAggregate {
	if max <= 0 || len(aggs) <= max {
		return aggs
	}
	if max == 1 {
		return aggs[len(aggs)-1:]
	}

	result := make([]storage.PriceAggregate, 0, max)
	step := float64(len(aggs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(aggs) {
			idx = len(aggs) - 1
		}
		result = append(result, aggs[idx])
	}
	return result
}

func writeAggregatesCSV(path string, aggs []storage.PriceAggregate) error {
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

	header := []string{"created_at", "run_id", "chain_id", "contract", "window_start", "window_end", "median", "mean", "source_count", "used_count", "discarded_sources"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, agg := range aggs {
		record := []string{
			agg.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(agg.RunID, 10),
			strconv.FormatInt(agg.Pair.ChainID, 10),
			agg.Pair.Contract,
			agg.WindowStart.UTC().Format(time.RFC3339),
			agg.WindowEnd.UTC().Format(time.RFC3339),
			agg.Median.String(),
			agg.Mean.String(),
			strconv.Itoa(agg.SourceCount),
			strconv.Itoa(agg.UsedCount),
			strings.Join(agg.DiscardedSources, ";"),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeAggregatesPNG(path string, pair storage.PairKey, aggs []storage.PriceAggregate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(aggs))
	median := make([]float64, len(aggs))
	mean := make([]float64, len(aggs))
	used := make([]float64, len(aggs))

	for i, agg := range aggs {
		x[i] = agg.CreatedAt
		median[i] = agg.Median.InexactFloat64()
		mean[i] = agg.Mean.InexactFloat64()
		used[i] = float64(agg.UsedCount)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Title:  pair.String(),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Sources used",
			ValueFormatter: func(v interface{}) string { return chart.FloatValueFormatterWithFormat(v, "%.0f") },
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Median",
				XValues: x,
				YValues: median,
			},
			chart.TimeSeries{
				Name:    "Mean",
				XValues: x,
				YValues: mean,
			},
			chart.TimeSeries{
				Name:    "Sources used",
				XValues: x,
				YValues: used,
				YAxis:   chart.YAxisSecondary,
			},
		},
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

func formatDecimal(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}
