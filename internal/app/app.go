// Package app wires stores, guard and meter from configuration. It is shared
// by the HTTP server and the operator CLI.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/agency-ai-meter/config"
	"github.com/vnmchuo/agency-ai-meter/internal/agency"
	"github.com/vnmchuo/agency-ai-meter/internal/ledger"
	"github.com/vnmchuo/agency-ai-meter/internal/meter"
	"github.com/vnmchuo/agency-ai-meter/internal/migration"
	"github.com/vnmchuo/agency-ai-meter/pkg/ratelimit"
)

const ServiceName = "agency-ai-meter"

// Connect opens and pings PostgreSQL and Redis.
func Connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, *redis.Client, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return pool, rdb, nil
}

// Migrate applies the embedded migrations over the pool. The pool
// connection used by the migrator is returned when it finishes.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migration.Up(ctx, db)
}

// NewGuard picks the admission guard for cfg.AdmissionMode.
func NewGuard(cfg *config.Config, rdb *redis.Client) (meter.Guard, error) {
	switch cfg.AdmissionMode {
	case config.AdmissionAdvisory, "":
		return meter.AdvisoryGuard{}, nil
	case config.AdmissionLocal:
		return meter.NewLocalGuard(), nil
	case config.AdmissionSerialized:
		if rdb == nil {
			return nil, fmt.Errorf("admission mode %q needs redis", cfg.AdmissionMode)
		}
		return meter.NewRedisGuard(ratelimit.NewLocker(rdb), meter.RedisGuardConfig{
			TTL:  cfg.AdmissionLockTTL,
			Wait: cfg.AdmissionLockWait,
		}), nil
	default:
		return nil, fmt.Errorf("unknown admission mode %q", cfg.AdmissionMode)
	}
}

// NewMeter builds the meter over PostgreSQL, with the agency lookup cached
// in Redis.
func NewMeter(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger, opts ...meter.Option) (*meter.Meter, error) {
	guard, err := NewGuard(cfg, rdb)
	if err != nil {
		return nil, err
	}

	var agencies agency.Store = agency.NewPostgresStore(pool)
	if rdb != nil {
		agencies = agency.NewCachedStore(agencies, rdb, cfg.AgencyCacheTTL, logger)
	}

	base := []meter.Option{
		meter.WithGuard(guard),
		meter.WithLocation(cfg.Location),
		meter.WithLogger(logger),
	}
	return meter.New(agencies, ledger.NewPostgresStore(pool), append(base, opts...)...), nil
}
