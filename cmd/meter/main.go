package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/agency-ai-meter/config"
	"github.com/vnmchuo/agency-ai-meter/internal/app"
	"github.com/vnmchuo/agency-ai-meter/internal/auth"
	"github.com/vnmchuo/agency-ai-meter/internal/logging"
	"github.com/vnmchuo/agency-ai-meter/internal/meter"
	"github.com/vnmchuo/agency-ai-meter/internal/provider"
	"github.com/vnmchuo/agency-ai-meter/internal/provider/claude"
	"github.com/vnmchuo/agency-ai-meter/internal/provider/gemini"
	"github.com/vnmchuo/agency-ai-meter/internal/provider/openai"
	"github.com/vnmchuo/agency-ai-meter/internal/proxy"
	"github.com/vnmchuo/agency-ai-meter/internal/seeder"
	"github.com/vnmchuo/agency-ai-meter/internal/telemetry"
	"github.com/vnmchuo/agency-ai-meter/pkg/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agency-ai-meter: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	logger, err := logging.New(logging.Config{
		ServiceName: app.ServiceName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// 3. Init telemetry
	ctx := context.Background()
	shutdownTracer, err := telemetry.InitTracer(ctx, app.ServiceName, cfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	meterProvider, shutdownMetrics, err := telemetry.InitMeterProvider(ctx, app.ServiceName, cfg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(ctx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// 4. Connect PostgreSQL and Redis
	pool, rdb, err := app.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer rdb.Close()
	logger.Info("storage connected")

	// 5. Migrations
	if cfg.MigrateOnStart {
		if err := app.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	// 6. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger, cfg.AuthRequired)

	// 7. Init meter
	metrics, err := meter.NewMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("init meter metrics: %w", err)
	}
	usageMeter, err := app.NewMeter(cfg, pool, rdb, logger, meter.WithMetrics(metrics))
	if err != nil {
		return err
	}
	logger.Info("usage meter ready",
		zap.String("admission_mode", cfg.AdmissionMode),
		zap.String("timezone", cfg.Location.String()),
	)

	// 8. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 9. Init providers
	providers := configuredProviders(cfg)
	if len(providers) == 0 {
		logger.Warn("no AI provider API keys configured; /api/ai/msg will return 503")
	}
	router := proxy.NewRouter(providers)

	// 10. Init handler
	tracer := otel.GetTracerProvider().Tracer(app.ServiceName)
	handler := proxy.NewHandler(usageMeter, router, limiter, tracer,
		proxy.WithLogger(logger),
		proxy.WithDefaultModel(cfg.DefaultModel),
	)

	// 11. Seed demo agency if RUN_SEED=true
	if cfg.RunSeed {
		if err := seeder.Seed(ctx, pool, authStore, logger); err != nil {
			logger.Warn("seeding skipped", zap.Error(err))
		}
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(logging.Middleware(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"agency-ai-meter"}`))
	})

	r.Route("/api/ai", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/msg", handler.HandleMessage)
		r.Get("/usage", handler.HandleUsage)
		r.Get("/usage/report", handler.HandleReport)
		r.Get("/usage/records", handler.HandleRecords)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("agency ai meter starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-quit:
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func configuredProviders(cfg *config.Config) []provider.Provider {
	var providers []provider.Provider
	if cfg.GeminiAPIKey != "" {
		providers = append(providers, gemini.New(provider.Options{APIKey: cfg.GeminiAPIKey}))
	}
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(provider.Options{APIKey: cfg.OpenAIAPIKey}))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, claude.New(provider.Options{APIKey: cfg.AnthropicAPIKey}))
	}
	return providers
}
