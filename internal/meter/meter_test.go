package meter

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/vnmchuo/agency-ai-meter/internal/agency"
	"github.com/vnmchuo/agency-ai-meter/internal/ledger"
	"github.com/vnmchuo/agency-ai-meter/internal/plan"
)

var testNow = time.Date(2026, 3, 20, 15, 30, 0, 0, time.UTC)

type fixture struct {
	meter    *Meter
	agencies *agency.MemoryStore
	ledger   *ledger.MemoryStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	agencies := agency.NewMemoryStore(map[string]string{
		"starter-co": "starter",
		"growth-co":  "growth",
		"scale-co":   "scale",
		"legacy-co":  "platinum",
	})
	store := ledger.NewMemoryStore()
	store.Now = func() time.Time { return testNow }

	metrics, err := NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	base := []Option{WithClock(func() time.Time { return testNow }), WithMetrics(metrics)}
	return &fixture{
		meter:    New(agencies, store, append(base, opts...)...),
		agencies: agencies,
		ledger:   store,
	}
}

func (f *fixture) seed(t *testing.T, agencyID string, at time.Time, tokens int64) {
	t.Helper()
	f.ledger.Now = func() time.Time { return at }
	defer func() { f.ledger.Now = func() time.Time { return testNow } }()
	_, err := f.meter.Record(context.Background(), RecordInput{AgencyID: agencyID, Model: "gpt-4o-mini", Tokens: tokens})
	require.NoError(t, err)
}

func TestCheck_ZeroUsageAdmitsWithFullRemaining(t *testing.T) {
	f := newFixture(t)

	usage, err := f.meter.CurrentUsage(context.Background(), "growth-co")
	require.NoError(t, err)
	assert.Zero(t, usage)

	d, err := f.meter.Check(context.Background(), "growth-co")
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, int64(100_000), d.Ceiling)
	assert.Equal(t, d.Ceiling, d.Remaining)
	assert.Empty(t, d.Reason)
}

func TestCheck_BoundaryIsStrictLessThan(t *testing.T) {
	tests := []struct {
		name     string
		usage    int64
		admitted bool
		remain   int64
	}{
		{"one below ceiling", 49_999, true, 1},
		{"at ceiling", 50_000, false, 0},
		{"over ceiling", 70_000, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "starter-co", testNow.Add(-time.Hour), tt.usage)

			d, err := f.meter.Check(context.Background(), "starter-co")
			require.NoError(t, err)
			assert.Equal(t, tt.admitted, d.Admitted)
			assert.Equal(t, tt.usage, d.CurrentUsage)
			assert.Equal(t, tt.remain, d.Remaining)
			assert.GreaterOrEqual(t, d.Remaining, int64(0))
			if !tt.admitted {
				assert.Equal(t, plan.UpgradeMessage(plan.Starter), d.Reason)
			}
		})
	}
}

func TestCheck_UnknownPlanUsesStarterCeiling(t *testing.T) {
	f := newFixture(t)

	d, err := f.meter.Check(context.Background(), "legacy-co")
	require.NoError(t, err)
	assert.Equal(t, plan.Starter, d.PlanType)
	assert.Equal(t, int64(50_000), d.Ceiling)
}

func TestCheck_AgencyNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.meter.Check(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAgencyNotFound)
}

func TestCheck_StoreOutageNeverAdmits(t *testing.T) {
	f := newFixture(t)
	f.ledger.Err = errors.New("connection refused")

	d, err := f.meter.Check(context.Background(), "growth-co")
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = f.meter.CurrentUsage(context.Background(), "growth-co")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCheck_AgencyStoreOutage(t *testing.T) {
	f := newFixture(t)
	f.agencies.Err = errors.New("timeout")

	_, err := f.meter.Check(context.Background(), "growth-co")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrAgencyNotFound)
}

func TestCheck_InjectedPlanTable(t *testing.T) {
	tbl := plan.DefaultTable.Clone()
	tbl[plan.Growth] = 10
	f := newFixture(t, WithPlans(tbl))
	f.seed(t, "growth-co", testNow, 10)

	d, err := f.meter.Check(context.Background(), "growth-co")
	require.NoError(t, err)
	assert.False(t, d.Admitted)
}

func TestCurrentUsage_SumIndependentOfOrder(t *testing.T) {
	tokens := []int64{5, 1200, 0, 77, 31_000, 9}
	var want int64
	for _, v := range tokens {
		want += v
	}

	for i := 0; i < 3; i++ {
		f := newFixture(t)
		shuffled := append([]int64(nil), tokens...)
		rand.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		for j, v := range shuffled {
			f.seed(t, "scale-co", testNow.Add(-time.Duration(j)*time.Hour), v)
		}

		got, err := f.meter.CurrentUsage(context.Background(), "scale-co")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCurrentUsage_MonthBoundaries(t *testing.T) {
	f := newFixture(t)
	start, end := MonthRange(testNow, time.UTC)

	f.seed(t, "growth-co", start.Add(-time.Second), 1_000)
	f.seed(t, "growth-co", start, 1)
	f.seed(t, "growth-co", end, 10)
	f.seed(t, "growth-co", end.Add(time.Nanosecond), 100)
	f.seed(t, "scale-co", testNow, 5_000)

	got, err := f.meter.CurrentUsage(context.Background(), "growth-co")
	require.NoError(t, err)
	assert.Equal(t, int64(11), got)
}

func TestCurrentUsage_MonthInConfiguredLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	f := newFixture(t, WithLocation(tokyo))

	// 16:00 UTC on Feb 28th is already March 1st in Tokyo.
	f.seed(t, "growth-co", time.Date(2026, 2, 28, 16, 0, 0, 0, time.UTC), 42)

	got, err := f.meter.CurrentUsage(context.Background(), "growth-co")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)
}

func TestEndToEnd_GrowthPlanCrossesCeiling(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "growth-co", testNow.Add(-48*time.Hour), 99_000)

	d, err := f.meter.Check(context.Background(), "growth-co")
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, int64(1_000), d.Remaining)

	_, err = f.meter.Record(context.Background(), RecordInput{AgencyID: "growth-co", Model: "gpt-4o", Tokens: 2_000})
	require.NoError(t, err)

	d, err = f.meter.Check(context.Background(), "growth-co")
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, int64(101_000), d.CurrentUsage)
	assert.Zero(t, d.Remaining)
	assert.NotEmpty(t, d.Reason)
}

func TestRecord_DefaultsAndEstimates(t *testing.T) {
	f := newFixture(t)

	rec, err := f.meter.Record(context.Background(), RecordInput{
		AgencyID:   "growth-co",
		UserID:     "user-7",
		Model:      "gpt-4o-mini",
		Tokens:     3,
		InputText:  "What does my policy cover?",
		OutputText: "Collision and theft.",
		RequestID:  "req-1",
		Cost:       decimal.NewNullDecimal(decimal.RequireFromString("0.0001")),
		Provider:   "openai",
	})
	require.NoError(t, err)

	assert.Equal(t, "en", rec.Language)
	assert.Equal(t, int64(3), rec.Tokens)
	assert.Equal(t, 7, rec.Metadata.EstimatedInputTokens)
	assert.Equal(t, 5, rec.Metadata.EstimatedOutputTokens)
	assert.Equal(t, testNow, rec.CreatedAt)

	// Only the authoritative count reaches the quota.
	usage, err := f.meter.CurrentUsage(context.Background(), "growth-co")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage)
}

func TestRecord_NoTextNoEstimate(t *testing.T) {
	f := newFixture(t)

	rec, err := f.meter.Record(context.Background(), RecordInput{AgencyID: "growth-co", Model: "m", Tokens: 10, Language: "es"})
	require.NoError(t, err)
	assert.Equal(t, "es", rec.Language)
	assert.Zero(t, rec.Metadata.EstimatedInputTokens)
	assert.Zero(t, rec.Metadata.EstimatedOutputTokens)
}

func TestRecord_Validation(t *testing.T) {
	f := newFixture(t)
	cases := []RecordInput{
		{Model: "m", Tokens: 1},
		{AgencyID: "growth-co", Tokens: 1},
		{AgencyID: "growth-co", Model: "m", Tokens: -1},
	}
	for _, in := range cases {
		_, err := f.meter.Record(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestRecord_InsertErrorPropagates(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("disk full")
	f.ledger.Err = cause

	_, err := f.meter.Record(context.Background(), RecordInput{AgencyID: "growth-co", Model: "m", Tokens: 1})
	assert.ErrorIs(t, err, cause)
}

func TestStatus_Percentage(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "growth-co", testNow, 33_335)

	s, err := f.meter.Status(context.Background(), "growth-co")
	require.NoError(t, err)
	assert.Equal(t, &Status{
		CurrentUsage: 33_335,
		Limit:        100_000,
		Remaining:    66_665,
		PlanType:     plan.Growth,
		Percentage:   33,
	}, s)
}

func TestStatus_OverLimit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "starter-co", testNow, 60_000)

	s, err := f.meter.Status(context.Background(), "starter-co")
	require.NoError(t, err)
	assert.Equal(t, int64(120), s.Percentage)
	assert.Zero(t, s.Remaining)
}

func TestReport_SparseDailyBreakdown(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "growth-co", time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), 100)
	f.seed(t, "growth-co", time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC), 51)
	f.seed(t, "growth-co", time.Date(2026, 3, 17, 11, 0, 0, 0, time.UTC), 300)
	f.seed(t, "growth-co", time.Date(2026, 2, 27, 11, 0, 0, 0, time.UTC), 9_999)

	r, err := f.meter.Report(context.Background(), "growth-co", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2026, r.Year)
	assert.Equal(t, 3, r.Month)
	assert.Equal(t, int64(451), r.TotalTokens)
	assert.Equal(t, int64(3), r.TotalRequests)
	assert.Equal(t, int64(150), r.AverageTokensPerRequest)
	assert.Equal(t, []ledger.DailyTotal{
		{Date: "2026-03-03", Tokens: 151},
		{Date: "2026-03-17", Tokens: 300},
	}, r.DailyBreakdown)
}

func TestReport_ExplicitMonth(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "growth-co", time.Date(2026, 2, 27, 11, 0, 0, 0, time.UTC), 9_999)

	r, err := f.meter.Report(context.Background(), "growth-co", 2026, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(9_999), r.TotalTokens)
	assert.Len(t, r.DailyBreakdown, 1)
}

func TestReport_EmptyMonth(t *testing.T) {
	f := newFixture(t)

	r, err := f.meter.Report(context.Background(), "growth-co", 2025, 1)
	require.NoError(t, err)
	assert.Zero(t, r.TotalTokens)
	assert.Zero(t, r.AverageTokensPerRequest)
	assert.NotNil(t, r.DailyBreakdown)
	assert.Empty(t, r.DailyBreakdown)
}

func TestReport_InvalidMonth(t *testing.T) {
	f := newFixture(t)

	_, err := f.meter.Report(context.Background(), "growth-co", 2026, 13)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReport_StoreOutage(t *testing.T) {
	f := newFixture(t)
	f.ledger.Err = errors.New("down")

	_, err := f.meter.Report(context.Background(), "growth-co", 0, 0)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRecords_NewestFirst(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "growth-co", testNow.Add(-2*time.Hour), 1)
	f.seed(t, "growth-co", testNow.Add(-time.Hour), 2)

	recs, err := f.meter.Records(context.Background(), "growth-co", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].Tokens)
}
