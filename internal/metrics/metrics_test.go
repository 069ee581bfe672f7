package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/notify"
	"oracle-health-alerts/internal/storage"
)

func TestCountersByLabel(t *testing.T) {
	m := New()

	m.ObserveSweep(2*time.Second, nil)
	m.ObserveSweep(time.Second, errors.New("boom"))
	m.ObserveSweep(time.Second, context.Canceled)
	m.SweepSkipped()
	m.ObserveFetch(storage.KindDatasource, 5, 1)
	m.AggregateWritten()
	m.AlertOpened(storage.AlertRecord{Key: storage.AlertKey{AlertType: "OUTLIER:binance"}})
	m.AlertOpened(storage.AlertRecord{Key: storage.AlertKey{AlertType: "OUTLIER:kraken"}})
	m.AlertOpened(storage.AlertRecord{Key: storage.AlertKey{AlertType: "ORACLE_STALL"}})
	m.Notification(notify.OutcomeSent)
	m.Summary(storage.AudienceOwners, "sent")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("skipped")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.prices.WithLabelValues("datasource")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.aggregates))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsOpened.WithLabelValues("OUTLIER")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsOpened.WithLabelValues("ORACLE_STALL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.summaries.WithLabelValues("owners", "sent")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSweep(time.Second, nil)
		m.AggregateWritten()
		m.Notification(notify.OutcomeFailed)
	})
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.AggregateWritten()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "oraclewatch_aggregates_written_total 1")
}
