package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_PrometheusHandler(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "test", MetricExporter: "prometheus"})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.RecordDispatch(context.Background(), "confirm_activation", "v1", "ok", 12*time.Millisecond)

	require.NotNil(t, tel.MetricsHandler())
	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), "dispatcher_dispatches")
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Init(context.Background(), Config{MetricExporter: "statsd"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_NoneDisablesEverything(t *testing.T) {
	tel, err := Init(context.Background(), Config{TraceExporter: "none", MetricExporter: "none"})
	require.NoError(t, err)
	assert.Nil(t, tel.MetricsHandler())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestMetrics_RecordsWithAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	require.NoError(t, err)

	m.RecordDispatch(context.Background(), "p", "v1", "ok", time.Millisecond)
	m.RecordDispatch(context.Background(), "p", "v1", "ok", time.Millisecond)
	m.RecordAction(context.Background(), "p", "PROMOTE_VARIANT")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	found := map[string]bool{}
	for _, metric := range rm.ScopeMetrics[0].Metrics {
		found[metric.Name] = true
		if metric.Name == "dispatcher.dispatches" {
			sum := metric.Data.(metricdata.Sum[int64])
			require.Len(t, sum.DataPoints, 1)
			assert.Equal(t, int64(2), sum.DataPoints[0].Value)
		}
	}
	assert.True(t, found["dispatcher.dispatch.duration"])
	assert.True(t, found["lifecycle.actions"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordDispatch(context.Background(), "p", "v", "ok", 0)
	m.RecordAction(context.Background(), "p", "x")
	m.RecordEvaluationError(context.Background(), "p")
}
