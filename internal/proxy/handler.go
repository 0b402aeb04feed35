package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/agency-ai-meter/internal/auth"
	"github.com/vnmchuo/agency-ai-meter/internal/ledger"
	"github.com/vnmchuo/agency-ai-meter/internal/logging"
	"github.com/vnmchuo/agency-ai-meter/internal/meter"
	"github.com/vnmchuo/agency-ai-meter/internal/provider"
	"github.com/vnmchuo/agency-ai-meter/pkg/ratelimit"
)

const (
	// Upper bound on completion tokens reserved against the per-minute window.
	responseBudget = 1000

	msgUnavailable = "Usage service is temporarily unavailable, please try again"
)

type Handler struct {
	meter        *meter.Meter
	router       *Router
	limiter      *ratelimit.Limiter
	tracer       trace.Tracer
	logger       *zap.Logger
	defaultModel string
}

type HandlerOption func(*Handler)

func WithLogger(l *zap.Logger) HandlerOption { return func(h *Handler) { h.logger = l } }

// WithDefaultModel is used when a message request names no model.
func WithDefaultModel(model string) HandlerOption {
	return func(h *Handler) { h.defaultModel = model }
}

func NewHandler(m *meter.Meter, router *Router, limiter *ratelimit.Limiter, tracer trace.Tracer, opts ...HandlerOption) *Handler {
	h := &Handler{
		meter:   m,
		router:  router,
		limiter: limiter,
		tracer:  tracer,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type messageRequest struct {
	Message  string `json:"message"`
	Lang     string `json:"lang"`
	AgencyID string `json:"agencyId"`
	UserID   string `json:"userId"`
	Model    string `json:"model"`
}

type usageSummary struct {
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

type messageResponse struct {
	Text       string       `json:"text"`
	Language   string       `json:"language"`
	TokensUsed int64        `json:"tokensUsed"`
	Usage      usageSummary `json:"usage"`
}

// HandleMessage serves POST /api/ai/msg: quota admission, throughput
// limit, provider call, then exactly one ledger record.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var body messageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	body.Message = strings.TrimSpace(body.Message)
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	agencyID, ok := h.agencyFor(w, r, body.AgencyID)
	if !ok {
		return
	}
	lang := strings.TrimSpace(body.Lang)
	if lang == "" {
		lang = ledger.DefaultLanguage
	}
	requestID := requestIDFrom(r.Context())
	logger := h.loggerFor(r.Context()).With(zap.String("agency_id", agencyID), zap.String("request_id", requestID))
	if keyID := auth.APIKeyID(r.Context()); keyID != "" {
		logger = logger.With(zap.String("api_key_id", keyID))
	}

	ctx, span := h.tracer.Start(r.Context(), "ai.message")
	defer span.End()
	span.SetAttributes(
		attribute.String("agency_id", agencyID),
		attribute.String("request_id", requestID),
	)

	adm, err := h.meter.Admit(ctx, agencyID)
	if err != nil {
		h.writeMeterError(w, logger, err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	defer func() {
		if err := adm.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("admission release failed", zap.Error(err))
		}
	}()
	span.SetAttributes(
		attribute.String("plan_type", string(adm.PlanType)),
		attribute.Int64("current_usage", adm.CurrentUsage),
		attribute.Bool("admitted", adm.Admitted),
	)
	if !adm.Admitted {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "plan_limit_reached",
			"message": adm.Reason,
			"usage": usageSummary{
				Current:   adm.CurrentUsage,
				Limit:     adm.Ceiling,
				Remaining: adm.Remaining,
			},
		})
		return
	}

	// The per-minute window is only charged for admitted requests.
	allowed, err := h.limiter.Allow(ctx, agencyID, ledger.EstimateTokens(body.Message)+responseBudget)
	if err != nil {
		logger.Error("rate limiter failed", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		writeError(w, http.StatusServiceUnavailable, "unavailable", msgUnavailable)
		return
	}
	if !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many AI requests, please retry in a minute")
		return
	}

	model := body.Model
	if model == "" {
		model = h.defaultModel
	}
	req := &provider.Request{
		Model: model,
		Messages: []provider.Message{
			{Role: "system", Content: provider.SystemPrompt(lang)},
			{Role: "user", Content: body.Message},
		},
		MaxTokens: responseBudget,
		AgencyID:  agencyID,
		RequestID: requestID,
	}

	selected, err := h.router.Route(ctx, req)
	if err != nil {
		logger.Warn("no provider available", zap.String("model", model), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "no_provider", "AI service is temporarily unavailable")
		return
	}
	span.SetAttributes(attribute.String("provider", selected.Name()))

	resp, err := h.router.Execute(ctx, req, selected)
	if err != nil {
		logger.Error("ai provider call failed", zap.String("provider", selected.Name()), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		writeError(w, http.StatusBadGateway, "provider_error", "AI provider request failed")
		return
	}

	tokens := resp.TotalTokens()
	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}
	if respModel == "" {
		respModel = selected.Name()
	}
	_, err = h.meter.Record(ctx, meter.RecordInput{
		AgencyID:   agencyID,
		UserID:     body.UserID,
		Model:      respModel,
		Tokens:     tokens,
		InputText:  body.Message,
		OutputText: resp.Content,
		Language:   lang,
		RequestID:  requestID,
		Cost:       decimal.NewNullDecimal(selected.Pricing().Cost(resp.InputTokens, resp.OutputTokens)),
		Provider:   resp.Provider,
		LatencyMs:  resp.LatencyMs,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(w, http.StatusInternalServerError, "record_failed", "AI usage could not be recorded")
		return
	}
	span.SetAttributes(attribute.Int64("tokens", tokens))

	current := adm.CurrentUsage + tokens
	writeJSON(w, http.StatusOK, messageResponse{
		Text:       resp.Content,
		Language:   lang,
		TokensUsed: tokens,
		Usage: usageSummary{
			Current:   current,
			Limit:     adm.Ceiling,
			Remaining: max(0, adm.Ceiling-current),
		},
	})
}

// HandleUsage serves GET /api/ai/usage.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	agencyID, ok := h.agencyFor(w, r, r.URL.Query().Get("agencyId"))
	if !ok {
		return
	}

	status, err := h.meter.Status(r.Context(), agencyID)
	if err != nil {
		h.writeMeterError(w, h.loggerFor(r.Context()).With(zap.String("agency_id", agencyID)), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleReport serves GET /api/ai/usage/report.
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agencyID, ok := h.agencyFor(w, r, q.Get("agencyId"))
	if !ok {
		return
	}
	year, err := optionalInt(q.Get("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "year must be a number")
		return
	}
	month, err := optionalInt(q.Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "month must be a number")
		return
	}

	report, err := h.meter.Report(r.Context(), agencyID, year, month)
	if err != nil {
		h.writeMeterError(w, h.loggerFor(r.Context()).With(zap.String("agency_id", agencyID)), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleRecords serves GET /api/ai/usage/records.
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agencyID, ok := h.agencyFor(w, r, q.Get("agencyId"))
	if !ok {
		return
	}
	limit, err := optionalInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a number")
		return
	}

	recs, err := h.meter.Records(r.Context(), agencyID, limit)
	if err != nil {
		h.writeMeterError(w, h.loggerFor(r.Context()).With(zap.String("agency_id", agencyID)), err)
		return
	}
	if recs == nil {
		recs = []*ledger.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agencyId": agencyID, "records": recs})
}

// agencyFor reconciles the requested agency with the one bound to the
// caller's API key. It writes the error response itself.
func (h *Handler) agencyFor(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	bound := auth.AgencyID(r.Context())
	switch {
	case bound != "" && requested != "" && requested != bound:
		writeError(w, http.StatusForbidden, "forbidden", "API key is not valid for this agency")
		return "", false
	case bound != "":
		return bound, true
	case requested == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "agencyId is required")
		return "", false
	}
	return requested, true
}

// loggerFor prefers the request logger attached by logging.Middleware.
func (h *Handler) loggerFor(ctx context.Context) *zap.Logger {
	return logging.FromContextOr(ctx, h.logger)
}

func (h *Handler) writeMeterError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, meter.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, meter.ErrAgencyNotFound):
		writeError(w, http.StatusNotFound, "agency_not_found", "Agency not found")
	case errors.Is(err, meter.ErrAdmissionBusy):
		logger.Warn("admission lock busy", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "busy", msgUnavailable)
	default:
		logger.Error("usage store unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable", msgUnavailable)
	}
}

func requestIDFrom(ctx context.Context) string {
	if id := chimiddleware.GetReqID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
