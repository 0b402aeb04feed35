package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vnmchuo/agency-ai-meter/internal/agency"
	"github.com/vnmchuo/agency-ai-meter/internal/auth"
	"github.com/vnmchuo/agency-ai-meter/internal/ledger"
	"github.com/vnmchuo/agency-ai-meter/internal/logging"
	"github.com/vnmchuo/agency-ai-meter/internal/meter"
	"github.com/vnmchuo/agency-ai-meter/internal/provider"
	"github.com/vnmchuo/agency-ai-meter/pkg/ratelimit"
)

var testNow = time.Date(2026, 3, 20, 15, 30, 0, 0, time.UTC)

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
	charged int
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.charged += n
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

type testEnv struct {
	handler  *Handler
	agencies *agency.MemoryStore
	ledger   *ledger.MemoryStore
	limiter  *mockLimiterStore
}

func setupTest(t *testing.T, providers ...provider.Provider) *testEnv {
	t.Helper()
	agencies := agency.NewMemoryStore(map[string]string{
		"agency-1": "starter",
		"agency-2": "growth",
	})
	store := ledger.NewMemoryStore()
	store.Now = func() time.Time { return testNow }
	m := meter.New(agencies, store, meter.WithClock(func() time.Time { return testNow }))

	limiterStore := &mockLimiterStore{allowed: true}
	h := NewHandler(m, NewRouter(providers), ratelimit.NewTestLimiter(limiterStore),
		noop.NewTracerProvider().Tracer("test"))
	return &testEnv{handler: h, agencies: agencies, ledger: store, limiter: limiterStore}
}

func (e *testEnv) seed(t *testing.T, agencyID string, tokens int64) {
	t.Helper()
	e.ledger.Now = func() time.Time { return testNow.Add(-time.Hour) }
	defer func() { e.ledger.Now = func() time.Time { return testNow } }()
	require.NoError(t, e.ledger.Insert(context.Background(), &ledger.UsageRecord{
		AgencyID: agencyID, Model: "gpt-4o-mini", Tokens: tokens, Language: "en",
	}))
}

func postMessage(h *Handler, body any, ctx context.Context) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/ai/msg", bytes.NewReader(raw))
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	w := httptest.NewRecorder()
	h.HandleMessage(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandleMessage_Success(t *testing.T) {
	p := &MockProvider{name: "mock", in: 120, out: 80, content: "Bonjour"}
	env := setupTest(t, p)
	env.seed(t, "agency-1", 1000)

	w := postMessage(env.handler, map[string]string{
		"message": "Hello", "lang": "fr", "agencyId": "agency-1", "userId": "u-1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp messageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Bonjour", resp.Text)
	assert.Equal(t, "fr", resp.Language)
	assert.Equal(t, int64(200), resp.TokensUsed)
	assert.Equal(t, usageSummary{Current: 1200, Limit: 50000, Remaining: 48800}, resp.Usage)

	recs, err := env.ledger.List(context.Background(), "agency-1", testNow.AddDate(0, -1, 0), testNow, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	rec := recs[0]
	assert.Equal(t, int64(200), rec.Tokens)
	assert.Equal(t, "u-1", rec.UserID)
	assert.Equal(t, "fr", rec.Language)
	assert.Equal(t, "Hello", rec.InputText)
	assert.Equal(t, "Bonjour", rec.OutputText)
	assert.Equal(t, "mock", rec.Metadata.Provider)
	assert.True(t, rec.Cost.Valid)
}

func TestHandleMessage_DefaultsLanguage(t *testing.T) {
	env := setupTest(t, &MockProvider{name: "mock", in: 1, out: 1})

	w := postMessage(env.handler, map[string]string{"message": "Hi", "agencyId": "agency-1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "en", decode(t, w)["language"])
}

func TestHandleMessage_InvalidBody(t *testing.T) {
	env := setupTest(t)
	req := httptest.NewRequest(http.MethodPost, "/api/ai/msg", strings.NewReader(`{invalid json}`))
	w := httptest.NewRecorder()

	env.handler.HandleMessage(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", decode(t, w)["message"])
}

func TestHandleMessage_MissingFields(t *testing.T) {
	env := setupTest(t)

	assert.Equal(t, http.StatusBadRequest, postMessage(env.handler, map[string]string{"agencyId": "agency-1"}, nil).Code)
	assert.Equal(t, http.StatusBadRequest, postMessage(env.handler, map[string]string{"message": "hi"}, nil).Code)
}

func TestHandleMessage_QuotaExhausted(t *testing.T) {
	p := &MockProvider{name: "mock", in: 1, out: 1}
	env := setupTest(t, p)
	env.seed(t, "agency-1", 50000)

	w := postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "agency-1"}, nil)

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, decode(t, w)["message"], "Growth")
	assert.Zero(t, p.calls, "provider must not be called when the quota is exhausted")
}

func TestHandleMessage_RejectedRequestsDoNotChargeWindow(t *testing.T) {
	env := setupTest(t, &MockProvider{name: "mock"})
	env.seed(t, "agency-1", 50000)

	assert.Equal(t, http.StatusPaymentRequired,
		postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "agency-1"}, nil).Code)
	assert.Equal(t, http.StatusNotFound,
		postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "ghost"}, nil).Code)
	assert.Zero(t, env.limiter.charged)

	assert.Equal(t, http.StatusOK,
		postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "agency-2"}, nil).Code)
	assert.Equal(t, ledger.EstimateTokens("Hello")+responseBudget, env.limiter.charged)
}

func TestHandleMessage_UsesRequestLogger(t *testing.T) {
	env := setupTest(t, &MockProvider{name: "mock", completeErr: errors.New("upstream 500")})
	core, logs := observer.New(zap.InfoLevel)
	ctx := logging.WithLogger(context.Background(), zap.New(core))
	ctx = auth.WithAPIKeyID(ctx, "key-7")

	w := postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "agency-1"}, ctx)

	require.Equal(t, http.StatusBadGateway, w.Code)
	entries := logs.FilterMessage("ai provider call failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "key-7", entries[0].ContextMap()["api_key_id"])
	assert.Equal(t, "agency-1", entries[0].ContextMap()["agency_id"])
}

func TestHandleMessage_AgencyNotFound(t *testing.T) {
	p := &MockProvider{name: "mock"}
	env := setupTest(t, p)

	w := postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "ghost"}, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Zero(t, p.calls)
}

func TestHandleMessage_LedgerUnavailable(t *testing.T) {
	p := &MockProvider{name: "mock"}
	env := setupTest(t, p)
	env.ledger.Err = errors.New("connection refused")

	w := postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "agency-1"}, nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, msgUnavailable, decode(t, w)["message"])
	assert.Zero(t, p.calls)
}

func TestHandleMessage_RateLimited(t *testing.T) {
	p := &MockProvider{name: "mock"}
	env := setupTest(t, p)
	env.limiter.allowed = false

	w := postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "agency-1"}, nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Zero(t, p.calls)
}

func TestHandleMessage_LimiterErrorRejects(t *testing.T) {
	p := &MockProvider{name: "mock"}
	env := setupTest(t, p)
	env.limiter.err = errors.New("redis down")

	w := postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "agency-1"}, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, p.calls)
}

func TestHandleMessage_ProviderFailure(t *testing.T) {
	env := setupTest(t, &MockProvider{name: "mock", completeErr: errors.New("upstream 500")})

	w := postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "agency-1"}, nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	totals, err := env.ledger.Totals(context.Background(), "agency-1", testNow.AddDate(0, -1, 0), testNow)
	require.NoError(t, err)
	assert.Zero(t, totals.Requests, "failed calls are not recorded")
}

func TestHandleMessage_NoProvider(t *testing.T) {
	env := setupTest(t)

	w := postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "agency-1", "model": "unknown"}, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleMessage_APIKeyAgencyMismatch(t *testing.T) {
	p := &MockProvider{name: "mock"}
	env := setupTest(t, p)
	ctx := auth.WithAgencyID(context.Background(), "agency-2")

	w := postMessage(env.handler, map[string]string{"message": "Hello", "agencyId": "agency-1"}, ctx)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = postMessage(env.handler, map[string]string{"message": "Hello"}, ctx)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(100000), decode(t, w)["usage"].(map[string]any)["limit"])
}

func TestHandleUsage(t *testing.T) {
	env := setupTest(t)
	env.seed(t, "agency-2", 25000)

	req := httptest.NewRequest(http.MethodGet, "/api/ai/usage?agencyId=agency-2", nil)
	w := httptest.NewRecorder()
	env.handler.HandleUsage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var status meter.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, meter.Status{CurrentUsage: 25000, Limit: 100000, Remaining: 75000, PlanType: "growth", Percentage: 25}, status)
}

func TestHandleUsage_StoreDown(t *testing.T) {
	env := setupTest(t)
	env.agencies.Err = errors.New("timeout")

	req := httptest.NewRequest(http.MethodGet, "/api/ai/usage?agencyId=agency-2", nil)
	w := httptest.NewRecorder()
	env.handler.HandleUsage(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleReport(t *testing.T) {
	env := setupTest(t)
	env.seed(t, "agency-1", 300)
	env.seed(t, "agency-1", 100)

	req := httptest.NewRequest(http.MethodGet, "/api/ai/usage/report?agencyId=agency-1&year=2026&month=3", nil)
	w := httptest.NewRecorder()
	env.handler.HandleReport(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var report meter.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, int64(400), report.TotalTokens)
	assert.Equal(t, int64(2), report.TotalRequests)
	assert.Equal(t, int64(200), report.AverageTokensPerRequest)
	assert.Equal(t, []ledger.DailyTotal{{Date: "2026-03-20", Tokens: 400}}, report.DailyBreakdown)
}

func TestHandleReport_InvalidParams(t *testing.T) {
	env := setupTest(t)

	for _, q := range []string{"year=abc", "month=x", "month=13"} {
		req := httptest.NewRequest(http.MethodGet, "/api/ai/usage/report?agencyId=agency-1&"+q, nil)
		w := httptest.NewRecorder()
		env.handler.HandleReport(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestHandleRecords(t *testing.T) {
	env := setupTest(t)
	env.seed(t, "agency-1", 10)
	env.seed(t, "agency-1", 20)

	req := httptest.NewRequest(http.MethodGet, "/api/ai/usage/records?agencyId=agency-1&limit=1", nil)
	w := httptest.NewRecorder()
	env.handler.HandleRecords(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	records := decode(t, w)["records"].([]any)
	assert.Len(t, records, 1)
}
