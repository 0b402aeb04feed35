package meter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	resultAdmitted = "admitted"
	resultDenied   = "denied"
	resultError    = "error"
)

// Metrics holds the meter's otel instruments. A nil *Metrics records nothing.
type Metrics struct {
	admissions     metric.Int64Counter
	tokensRecorded metric.Int64Counter
	recordFailures metric.Int64Counter
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	m := provider.Meter("agency-ai-meter/meter")

	admissions, err := m.Int64Counter("ai_usage.admissions",
		metric.WithDescription("Admission checks by result"))
	if err != nil {
		return nil, err
	}
	tokens, err := m.Int64Counter("ai_usage.tokens_recorded",
		metric.WithDescription("Tokens appended to the usage ledger"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	failures, err := m.Int64Counter("ai_usage.record_failures",
		metric.WithDescription("Usage records that could not be written"))
	if err != nil {
		return nil, err
	}

	return &Metrics{admissions: admissions, tokensRecorded: tokens, recordFailures: failures}, nil
}

func (m *Metrics) admission(ctx context.Context, result, planType string) {
	if m == nil {
		return
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("plan_type", planType),
	))
}

func (m *Metrics) recorded(ctx context.Context, tokens int64, model string) {
	if m == nil {
		return
	}
	m.tokensRecorded.Add(ctx, tokens, metric.WithAttributes(attribute.String("model", model)))
}

func (m *Metrics) recordFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.recordFailures.Add(ctx, 1)
}
