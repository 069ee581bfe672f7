package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"oracle-health-alerts/internal/rollup"
	"oracle-health-alerts/internal/storage"
)

// ShowAlerts prints recent alerts, newest first.
func (a *App) ShowAlerts(ctx context.Context, opts ShowOptions) error {
	store, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListAlerts(ctx, storage.AlertFilter{OpenOnly: opts.OpenOnly, Pair: opts.Pair, Limit: opts.Limit})
	if err != nil {
		return err
	}
	return writeAlerts(os.Stdout, records)
}

// ShowAggregates prints recent consensus values.
func (a *App) ShowAggregates(ctx context.Context, opts ShowOptions) error {
	store, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	aggs, err := store.ListAggregates(ctx, storage.AggregateFilter{Pair: opts.Pair, Limit: opts.Limit})
	if err != nil {
		return err
	}
	return writeAggregates(os.Stdout, aggs)
}

// ShowRollups prints the rollup rows of one window, the current one by default.
func (a *App) ShowRollups(ctx context.Context, opts ShowOptions) error {
	store, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	size := a.Config.Summary.Window()
	start := rollup.WindowStart(time.Now(), size)
	if opts.Window != nil {
		start = rollup.WindowStart(*opts.Window, size)
	}

	rows, err := store.ListRollups(ctx, start, opts.Kind)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "window %s .. %s\n", start.Format(time.RFC3339), start.Add(size).Format(time.RFC3339))
	return writeRollups(os.Stdout, rows)
}

func writeAlerts(out io.Writer, records []storage.AlertRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tOpened (UTC)\tResolved (UTC)\tRecipient\tPair\tParticipant\tType\tSeverity\tMessage")
	for _, rec := range records {
		resolved := "open"
		if rec.ResolvedAt != nil {
			resolved = rec.ResolvedAt.UTC().Format(time.RFC3339)
		}
		participant := rec.Key.Participant
		if participant == "" {
			participant = "-"
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.OpenedAt.UTC().Format(time.RFC3339),
			resolved,
			rec.Key.RecipientID,
			rec.Key.Pair,
			participant,
			rec.Key.AlertType,
			rec.Severity,
			sanitizeInline(rec.Message),
		)
	}
	return writer.Flush()
}

func writeAggregates(out io.Writer, aggs []storage.PriceAggregate) error {
	if len(aggs) == 0 {
		fmt.Fprintln(out, "no aggregates found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tRun\tPair\tMedian\tMean\tUsed/Sources\tDiscarded")
	for _, agg := range aggs {
		discarded := strings.Join(agg.DiscardedSources, ",")
		if discarded == "" {
			discarded = "-"
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%d/%d\t%s\n",
			agg.CreatedAt.UTC().Format(time.RFC3339),
			agg.RunID,
			agg.Pair,
			formatDecimal(&agg.Median, 8),
			formatDecimal(&agg.Mean, 8),
			agg.UsedCount,
			agg.SourceCount,
			discarded,
		)
	}
	return writer.Flush()
}

func writeRollups(out io.Writer, rows []storage.HealthRollup) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "no rollup rows found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Kind\tPair\tEntity\tOK\tStalled\tOutlier\tFetchErr\tOpen\tLastDev%\tLastSpan(s)")
	for _, r := range rows {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%t\t%s\t%s\n",
			r.Kind,
			r.Pair,
			r.EntityID,
			r.OKHits,
			r.StalledHits,
			r.OutlierHits,
			r.FetchErrorHits,
			r.OpenAtEnd,
			formatDecimal(r.LastDevPct, 3),
			formatDecimal(r.LastSpanSec, 0),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
