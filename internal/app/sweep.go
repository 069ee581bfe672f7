package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"oracle-health-alerts/internal/service"
	"oracle-health-alerts/internal/storage"
	"oracle-health-alerts/internal/summary"
)

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		a.Logger.Info().Msg("schema up to date")
		return nil
	}
	a.Logger.Info().Strs("applied", applied).Msg("migrations applied")
	return nil
}

// SummarizeOptions configure a standalone summary pass.
type SummarizeOptions struct {
	DryRun bool
}

// Summarize sends the summaries owed for closed windows without running a sweep.
func (a *App) Summarize(ctx context.Context, opts SummarizeOptions) error {
	repo, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	p := a.buildPipeline(repo, nil, pipelineOptions{DryRun: opts.DryRun})
	decisions, err := p.dispatcher.DispatchDue(ctx)
	writeDecisions(os.Stdout, decisions)
	return err
}

// NotifyTest delivers a test message to one recipient, or to every admin when recipientID is empty.
func (a *App) NotifyTest(ctx context.Context, recipientID, text string) error {
	repo, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	p := a.buildPipeline(repo, nil, pipelineOptions{})
	if text == "" {
		text = fmt.Sprintf("oraclewatch test notification at %s", time.Now().UTC().Format(time.RFC3339))
	}

	var targets []storage.Recipient
	if recipientID == "" {
		targets, err = p.registry.Admins(ctx)
		if err != nil {
			return err
		}
	} else {
		r, ok, err := p.registry.Recipient(ctx, recipientID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("recipient %q not found", recipientID)
		}
		targets = []storage.Recipient{r}
	}
	if len(targets) == 0 {
		return fmt.Errorf("no recipients to notify")
	}

	var failed int
	for _, r := range targets {
		if err := p.courier.Deliver(ctx, r, text); err != nil {
			a.Logger.Error().Err(err).Str("recipient", r.ID).Msg("test notification failed")
			failed++
			continue
		}
		a.Logger.Info().Str("recipient", r.ID).Msg("test notification delivered")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d test notifications failed", failed, len(targets))
	}
	return nil
}

// PrintReport writes a human-readable sweep report.
func PrintReport(out io.Writer, r service.Report) {
	if r.Skipped {
		fmt.Fprintln(out, "sweep skipped: another instance holds the lock")
		return
	}
	fmt.Fprintf(out, "run %d: %d pairs\n", r.RunID, r.Pairs)
	fmt.Fprintf(out, "  datasources: %d sources, %d prices, %d errors\n", r.Datasources.Sources, r.Datasources.Prices, r.Datasources.Errors)
	fmt.Fprintf(out, "  oracles:     %d aggregators, %d prices, %d errors\n", r.Oracles.Sources, r.Oracles.Prices, r.Oracles.Errors)
	fmt.Fprintf(out, "  aggregates:  %d written, %d outliers\n", r.Aggregates, r.Outliers)
	fmt.Fprintf(out, "  stall evals: %d datasource, %d oracle\n", r.DatasourceEvals, r.OracleEvals)
	if r.Digests > 0 {
		fmt.Fprintf(out, "  digests:     %d\n", r.Digests)
	}
	writeDecisions(out, r.Decisions)
}

func writeDecisions(out io.Writer, decisions []summary.Decision) {
	for _, d := range decisions {
		fmt.Fprintf(out, "  summary %s %s: %s (%d rows, %d recipients)\n",
			d.Window.Start.UTC().Format(time.RFC3339), d.Audience, d.Outcome, d.Rows, d.Recipients)
	}
}
