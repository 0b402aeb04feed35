package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	AdmissionAdvisory   = "advisory"
	AdmissionSerialized = "serialized"
	AdmissionLocal      = "local"
)

type Config struct {
	// Server
	Port        string // default: 8080
	Environment string // default: development
	LogLevel    string // default: info

	// Database
	PostgresDSN    string
	MigrateOnStart bool
	RunSeed        bool

	// Cache
	RedisAddr      string
	AgencyCacheTTL time.Duration // default: 5m

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string
	DefaultModel    string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Metering
	Location          *time.Location // METER_TIMEZONE, default: UTC
	AdmissionMode     string
	AdmissionLockTTL  time.Duration
	AdmissionLockWait time.Duration

	AuthRequired bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Environment:          getEnv("ENVIRONMENT", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		DefaultModel:         os.Getenv("DEFAULT_MODEL"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		AdmissionMode:        strings.ToLower(getEnv("ADMISSION_MODE", AdmissionAdvisory)),
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	if cfg.AgencyCacheTTL, err = getDuration("AGENCY_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AdmissionLockTTL, err = getDuration("ADMISSION_LOCK_TTL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.AdmissionLockWait, err = getDuration("ADMISSION_LOCK_WAIT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.AuthRequired, err = getBool("AUTH_REQUIRED", false); err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart, err = getBool("MIGRATE_ON_START", false); err != nil {
		return nil, err
	}
	if cfg.RunSeed, err = getBool("RUN_SEED", false); err != nil {
		return nil, err
	}
	if cfg.Location, err = LoadLocation(getEnv("METER_TIMEZONE", "UTC")); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.DefaultRateLimitTPM <= 0 {
		return nil, fmt.Errorf("DEFAULT_RATE_LIMIT_TPM must be positive")
	}
	switch cfg.AdmissionMode {
	case AdmissionAdvisory, AdmissionSerialized, AdmissionLocal:
	default:
		return nil, fmt.Errorf("invalid ADMISSION_MODE %q (want %s, %s or %s)",
			cfg.AdmissionMode, AdmissionAdvisory, AdmissionSerialized, AdmissionLocal)
	}
	if cfg.AdmissionLockTTL <= cfg.AdmissionLockWait && cfg.AdmissionMode == AdmissionSerialized {
		return nil, fmt.Errorf("ADMISSION_LOCK_TTL must be longer than ADMISSION_LOCK_WAIT")
	}

	return cfg, nil
}

// LoadLocation resolves an IANA zone name. "Local" is rejected so that
// month boundaries never depend on the host.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	if name == "Local" {
		return nil, fmt.Errorf("METER_TIMEZONE must be an IANA zone name, not Local")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid METER_TIMEZONE %q: %w", name, err)
	}
	return loc, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
