// Package meter enforces per-agency monthly AI token quotas on top of the
// append-only usage ledger. Usage is always derived by summing the ledger;
// no running counter is kept anywhere.
package meter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/agency-ai-meter/internal/agency"
	"github.com/vnmchuo/agency-ai-meter/internal/ledger"
	"github.com/vnmchuo/agency-ai-meter/internal/plan"
)

type Meter struct {
	agencies agency.Store
	ledger   ledger.Store
	plans    plan.Table
	guard    Guard
	now      func() time.Time
	loc      *time.Location
	logger   *zap.Logger
	metrics  *Metrics
}

type Option func(*Meter)

func WithPlans(t plan.Table) Option          { return func(m *Meter) { m.plans = t } }
func WithGuard(g Guard) Option               { return func(m *Meter) { m.guard = g } }
func WithClock(now func() time.Time) Option  { return func(m *Meter) { m.now = now } }
func WithLocation(loc *time.Location) Option { return func(m *Meter) { m.loc = loc } }
func WithLogger(l *zap.Logger) Option        { return func(m *Meter) { m.logger = l } }
func WithMetrics(metrics *Metrics) Option    { return func(m *Meter) { m.metrics = metrics } }

func New(agencies agency.Store, store ledger.Store, opts ...Option) *Meter {
	m := &Meter{
		agencies: agencies,
		ledger:   store,
		plans:    plan.DefaultTable,
		guard:    AdvisoryGuard{},
		now:      time.Now,
		loc:      time.UTC,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Location is the calendar used for month and day boundaries.
func (m *Meter) Location() *time.Location { return m.loc }

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted     bool          `json:"admitted"`
	CurrentUsage int64         `json:"currentUsage"`
	Ceiling      int64         `json:"ceiling"`
	Remaining    int64         `json:"remaining"`
	PlanType     plan.PlanType `json:"planType"`
	Reason       string        `json:"reason,omitempty"`
}

// CurrentUsage sums the tokens recorded for agencyID in the current month.
func (m *Meter) CurrentUsage(ctx context.Context, agencyID string) (int64, error) {
	if strings.TrimSpace(agencyID) == "" {
		return 0, fmt.Errorf("%w: agency id is required", ErrInvalidInput)
	}
	from, to := MonthRange(m.now(), m.loc)
	totals, err := m.ledger.Totals(ctx, agencyID, from, to)
	if err != nil {
		return 0, unavailable(err)
	}
	return totals.Tokens, nil
}

// Check decides whether agencyID may make another metered call. It does not
// reserve anything; see Admit.
func (m *Meter) Check(ctx context.Context, agencyID string) (*Decision, error) {
	d, planType, err := m.evaluate(ctx, agencyID)
	if err != nil {
		if !errors.Is(err, ErrInvalidInput) {
			m.metrics.admission(ctx, resultError, string(planType))
		}
		return nil, err
	}

	if !d.Admitted {
		m.metrics.admission(ctx, resultDenied, string(d.PlanType))
		m.logger.Info("ai usage plan limit reached",
			zap.String("agency_id", agencyID),
			zap.String("plan_type", string(d.PlanType)),
			zap.Int64("current_usage", d.CurrentUsage),
			zap.Int64("ceiling", d.Ceiling),
		)
		return d, nil
	}

	m.metrics.admission(ctx, resultAdmitted, string(d.PlanType))
	return d, nil
}

// evaluate computes a Decision without recording metrics or logs. The plan
// type is returned alongside errors that happen after it was resolved.
func (m *Meter) evaluate(ctx context.Context, agencyID string) (*Decision, plan.PlanType, error) {
	if strings.TrimSpace(agencyID) == "" {
		return nil, "", fmt.Errorf("%w: agency id is required", ErrInvalidInput)
	}

	planType, ceiling, err := m.resolvePlan(ctx, agencyID)
	if err != nil {
		return nil, "", err
	}

	usage, err := m.CurrentUsage(ctx, agencyID)
	if err != nil {
		return nil, planType, err
	}

	d := &Decision{
		Admitted:     usage < ceiling,
		CurrentUsage: usage,
		Ceiling:      ceiling,
		Remaining:    max(0, ceiling-usage),
		PlanType:     planType,
	}
	if !d.Admitted {
		d.Reason = plan.UpgradeMessage(planType)
	}
	return d, planType, nil
}

func (m *Meter) resolvePlan(ctx context.Context, agencyID string) (plan.PlanType, int64, error) {
	raw, err := m.agencies.PlanType(ctx, agencyID)
	if err != nil {
		if errors.Is(err, agency.ErrAgencyNotFound) {
			return "", 0, err
		}
		return "", 0, unavailable(err)
	}
	return plan.Normalize(raw), m.plans.Ceiling(raw), nil
}

// Admission is a Decision taken under the meter's Guard. Release must be
// called once the metered call has been recorded (or abandoned).
type Admission struct {
	*Decision
	release ReleaseFunc
	once    sync.Once
}

func (a *Admission) Release(ctx context.Context) error {
	if a == nil || a.release == nil {
		return nil
	}
	var err error
	a.once.Do(func() { err = a.release(ctx) })
	return err
}

// Admit runs Check while holding the guard for agencyID. With the default
// AdvisoryGuard this is exactly Check. Denied admissions are released
// before returning.
func (m *Meter) Admit(ctx context.Context, agencyID string) (*Admission, error) {
	release, err := m.guard.Acquire(ctx, agencyID)
	if err != nil {
		return nil, err
	}

	d, err := m.Check(ctx, agencyID)
	if err != nil {
		if rerr := release(ctx); rerr != nil {
			m.logger.Warn("admission release failed", zap.String("agency_id", agencyID), zap.Error(rerr))
		}
		return nil, err
	}

	a := &Admission{Decision: d, release: release}
	if !d.Admitted {
		if rerr := a.Release(ctx); rerr != nil {
			m.logger.Warn("admission release failed", zap.String("agency_id", agencyID), zap.Error(rerr))
		}
	}
	return a, nil
}

type RecordInput struct {
	AgencyID   string
	UserID     string
	Model      string
	Tokens     int64
	InputText  string
	OutputText string
	Language   string
	RequestID  string
	Cost       decimal.NullDecimal
	Provider   string
	LatencyMs  int64
}

// Record appends one usage record. Only in.Tokens counts toward quota; the
// character based estimates go to metadata. Insert failures are returned
// as-is and are not retried.
func (m *Meter) Record(ctx context.Context, in RecordInput) (*ledger.UsageRecord, error) {
	switch {
	case strings.TrimSpace(in.AgencyID) == "":
		return nil, fmt.Errorf("%w: agency id is required", ErrInvalidInput)
	case strings.TrimSpace(in.Model) == "":
		return nil, fmt.Errorf("%w: model is required", ErrInvalidInput)
	case in.Tokens < 0:
		return nil, fmt.Errorf("%w: tokens must not be negative", ErrInvalidInput)
	}

	lang := strings.TrimSpace(in.Language)
	if lang == "" {
		lang = ledger.DefaultLanguage
	}

	rec := &ledger.UsageRecord{
		AgencyID:   in.AgencyID,
		UserID:     in.UserID,
		Model:      in.Model,
		Tokens:     in.Tokens,
		InputText:  in.InputText,
		OutputText: in.OutputText,
		Language:   lang,
		RequestID:  in.RequestID,
		Cost:       in.Cost,
		Metadata: ledger.Metadata{
			Provider:  in.Provider,
			LatencyMs: in.LatencyMs,
		},
	}
	if in.InputText != "" || in.OutputText != "" {
		rec.Metadata.EstimatedInputTokens = ledger.EstimateTokens(in.InputText)
		rec.Metadata.EstimatedOutputTokens = ledger.EstimateTokens(in.OutputText)
	}

	if err := m.ledger.Insert(ctx, rec); err != nil {
		m.metrics.recordFailed(ctx)
		m.logger.Error("failed to record ai usage",
			zap.String("agency_id", in.AgencyID),
			zap.String("request_id", in.RequestID),
			zap.Int64("tokens", in.Tokens),
			zap.Error(err),
		)
		return nil, err
	}

	m.metrics.recorded(ctx, rec.Tokens, rec.Model)
	m.logger.Debug("recorded ai usage",
		zap.String("agency_id", rec.AgencyID),
		zap.String("model", rec.Model),
		zap.Int64("tokens", rec.Tokens),
	)
	return rec, nil
}

// Status feeds the usage widget.
type Status struct {
	CurrentUsage int64         `json:"currentUsage"`
	Limit        int64         `json:"limit"`
	Remaining    int64         `json:"remaining"`
	PlanType     plan.PlanType `json:"planType"`
	Percentage   int64         `json:"percentage"`
}

// Status is a read; it is not counted as an admission.
func (m *Meter) Status(ctx context.Context, agencyID string) (*Status, error) {
	d, _, err := m.evaluate(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	return &Status{
		CurrentUsage: d.CurrentUsage,
		Limit:        d.Ceiling,
		Remaining:    d.Remaining,
		PlanType:     d.PlanType,
		Percentage:   percentage(d.CurrentUsage, d.Ceiling),
	}, nil
}

func percentage(usage, limit int64) int64 {
	if limit <= 0 {
		return 0
	}
	return int64(math.Round(100 * float64(usage) / float64(limit)))
}

type Report struct {
	AgencyID                string              `json:"agencyId"`
	Year                    int                 `json:"year"`
	Month                   int                 `json:"month"`
	TotalTokens             int64               `json:"totalTokens"`
	TotalRequests           int64               `json:"totalRequests"`
	AverageTokensPerRequest int64               `json:"averageTokensPerRequest"`
	DailyBreakdown          []ledger.DailyTotal `json:"dailyBreakdown"`
}

// Report summarises one month of usage. Zero year or month means the
// current one. Days without records are left out of DailyBreakdown.
func (m *Meter) Report(ctx context.Context, agencyID string, year, month int) (*Report, error) {
	if strings.TrimSpace(agencyID) == "" {
		return nil, fmt.Errorf("%w: agency id is required", ErrInvalidInput)
	}
	if month < 0 || month > 12 {
		return nil, fmt.Errorf("%w: month must be between 1 and 12", ErrInvalidInput)
	}

	now := m.now().In(m.loc)
	if year == 0 {
		year = now.Year()
	}
	if month == 0 {
		month = int(now.Month())
	}
	from, to := MonthRange(time.Date(year, time.Month(month), 1, 0, 0, 0, 0, m.loc), m.loc)

	totals, err := m.ledger.Totals(ctx, agencyID, from, to)
	if err != nil {
		return nil, unavailable(err)
	}
	days, err := m.ledger.Daily(ctx, agencyID, from, to, m.loc)
	if err != nil {
		return nil, unavailable(err)
	}
	if days == nil {
		days = []ledger.DailyTotal{}
	}

	var avg int64
	if totals.Requests > 0 {
		avg = int64(math.Round(float64(totals.Tokens) / float64(totals.Requests)))
	}

	return &Report{
		AgencyID:                agencyID,
		Year:                    year,
		Month:                   month,
		TotalTokens:             totals.Tokens,
		TotalRequests:           totals.Requests,
		AverageTokensPerRequest: avg,
		DailyBreakdown:          days,
	}, nil
}

// Records lists the most recent ledger rows of the current month.
func (m *Meter) Records(ctx context.Context, agencyID string, limit int) ([]*ledger.UsageRecord, error) {
	if strings.TrimSpace(agencyID) == "" {
		return nil, fmt.Errorf("%w: agency id is required", ErrInvalidInput)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	from, to := MonthRange(m.now(), m.loc)
	recs, err := m.ledger.List(ctx, agencyID, from, to, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return recs, nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
