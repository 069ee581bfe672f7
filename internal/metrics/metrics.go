// Package metrics exposes sweep, alert and notification counters to Prometheus.
//
// Registers:
//
//	oraclewatch_runs_total{outcome}
//	oraclewatch_sweep_duration_seconds
//	oraclewatch_prices_fetched_total{kind}
//	oraclewatch_fetch_errors_total{kind}
//	oraclewatch_aggregates_written_total
//	oraclewatch_alerts_opened_total{type}
//	oraclewatch_notifications_total{outcome}
//	oraclewatch_summaries_total{audience,outcome}
//	go_* and process_* system metrics
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/notify"
	"oracle-health-alerts/internal/storage"
)

const namespace = "oraclewatch"

// Metrics owns a private registry so tests and multiple instances never collide.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	prices        *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	aggregates    prometheus.Counter
	alertsOpened  *prometheus.CounterVec
	notifications *prometheus.CounterVec
	summaries     *prometheus.CounterVec
}

// New registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sweeps finished, by outcome.",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one sweep.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		prices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prices_fetched_total",
			Help:      "Prices recorded, by producer kind.",
		}, []string{"kind"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Failed fetches, by producer kind.",
		}, []string{"kind"}),
		aggregates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregates_written_total",
			Help:      "Aggregates written.",
		}),
		alertsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_opened_total",
			Help:      "Alert rows opened, by alert type family.",
		}, []string{"type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Delivery attempts, by outcome.",
		}, []string{"outcome"}),
		summaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Summary decisions, by audience and outcome.",
		}, []string{"audience", "outcome"}),
	}
	m.registry.MustRegister(
		m.runs, m.sweepDuration, m.prices, m.fetchErrors, m.aggregates,
		m.alertsOpened, m.notifications, m.summaries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ObserveSweep records one sweep.
func (m *Metrics) ObserveSweep(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.sweepDuration.Observe(elapsed.Seconds())
}

// SweepSkipped counts a tick that found another sweep holding the lock.
func (m *Metrics) SweepSkipped() {
	if m == nil {
		return
	}
	m.runs.WithLabelValues("skipped").Inc()
}

// ObserveFetch adds the results of one producer pass.
func (m *Metrics) ObserveFetch(kind storage.EntityKind, prices, errs int64) {
	if m == nil {
		return
	}
	m.prices.WithLabelValues(string(kind)).Add(float64(prices))
	m.fetchErrors.WithLabelValues(string(kind)).Add(float64(errs))
}

// AggregateWritten counts one aggregate row.
func (m *Metrics) AggregateWritten() {
	if m == nil {
		return
	}
	m.aggregates.Inc()
}

// AlertOpened counts a new alert row under its type family (the part before ':').
func (m *Metrics) AlertOpened(rec storage.AlertRecord) {
	if m == nil {
		return
	}
	family, _, _ := strings.Cut(rec.Key.AlertType, ":")
	m.alertsOpened.WithLabelValues(family).Inc()
}

// Notification counts one delivery attempt.
func (m *Metrics) Notification(outcome notify.Outcome) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(outcome)).Inc()
}

// Summary counts a summary decision.
func (m *Metrics) Summary(audience storage.Audience, outcome string) {
	if m == nil {
		return
	}
	m.summaries.WithLabelValues(string(audience), outcome).Inc()
}
