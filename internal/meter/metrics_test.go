package meter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type instrumented struct {
	*fixture
	reader *sdkmetric.ManualReader
	logs   *observer.ObservedLogs
}

func newInstrumentedFixture(t *testing.T) *instrumented {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	metrics, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	f := newFixture(t, WithMetrics(metrics), WithLogger(zap.New(core)))
	return &instrumented{fixture: f, reader: reader, logs: logs}
}

// admissions returns the admission counter value per result attribute.
func (f *instrumented) admissions(t *testing.T) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "ai_usage.admissions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				result, _ := dp.Attributes.Value("result")
				out[result.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestStatus_IsNotCountedAsAdmission(t *testing.T) {
	f := newInstrumentedFixture(t)
	f.seed(t, "starter-co", testNow, 60_000)

	for i := 0; i < 5; i++ {
		_, err := f.meter.Status(context.Background(), "starter-co")
		require.NoError(t, err)
	}

	assert.Empty(t, f.admissions(t))
	assert.Zero(t, f.logs.FilterMessage("ai usage plan limit reached").Len())
}

func TestCheck_CountsAdmissionsByResult(t *testing.T) {
	f := newInstrumentedFixture(t)
	f.seed(t, "starter-co", testNow, 60_000)

	_, err := f.meter.Check(context.Background(), "growth-co")
	require.NoError(t, err)
	_, err = f.meter.Check(context.Background(), "starter-co")
	require.NoError(t, err)
	_, err = f.meter.Check(context.Background(), "ghost")
	require.Error(t, err)

	assert.Equal(t, map[string]int64{"admitted": 1, "denied": 1, "error": 1}, f.admissions(t))
	assert.Equal(t, 1, f.logs.FilterMessage("ai usage plan limit reached").Len())
}
