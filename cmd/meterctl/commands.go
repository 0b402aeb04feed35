package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/agency-ai-meter/config"
	"github.com/vnmchuo/agency-ai-meter/internal/agency"
	"github.com/vnmchuo/agency-ai-meter/internal/app"
	"github.com/vnmchuo/agency-ai-meter/internal/auth"
	"github.com/vnmchuo/agency-ai-meter/internal/logging"
	"github.com/vnmchuo/agency-ai-meter/internal/meter"
	"github.com/vnmchuo/agency-ai-meter/internal/migration"
	"github.com/vnmchuo/agency-ai-meter/internal/plan"
)

const commandTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meterctl",
		Short: "Operate the agency AI usage meter",
		Long: `meterctl inspects agency AI quotas and usage straight from the ledger.

It reads the same environment as the server (POSTGRES_DSN, REDIS_ADDR,
METER_TIMEZONE, ...), including a .env file in the working directory.`,
		SilenceUsage: true,
	}
	root.AddCommand(newCheckCmd(), newReportCmd(), newPlansCmd(), newMigrateCmd(),
		newRefreshPlanCmd(), newRevokeKeyCmd())
	return root
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [agency-id]",
		Short: "Show current usage and whether the next AI call would be admitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMeter(cmd, func(ctx context.Context, m *meter.Meter) error {
				d, err := m.Check(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), d)
			})
		},
	}
}

func newReportCmd() *cobra.Command {
	var year, month int
	cmd := &cobra.Command{
		Use:   "report [agency-id]",
		Short: "Print the monthly usage report of an agency",
		Example: `  meterctl report 00000000-0000-0000-0000-000000000001
  meterctl report 00000000-0000-0000-0000-000000000001 --year 2026 --month 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMeter(cmd, func(ctx context.Context, m *meter.Meter) error {
				report, err := m.Report(ctx, args[0], year, month)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "report year (default current)")
	cmd.Flags().IntVar(&month, "month", 0, "report month 1-12 (default current)")
	return cmd
}

type planRow struct {
	Plan    plan.PlanType `json:"plan"`
	Ceiling int64         `json:"monthlyTokens"`
}

func newPlansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List the monthly token ceiling of every plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := make([]planRow, 0, len(plan.DefaultTable))
			for p, ceiling := range plan.DefaultTable {
				rows = append(rows, planRow{Plan: p, Ceiling: ceiling})
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].Ceiling < rows[j].Ceiling })
			return writeJSON(cmd.OutOrStdout(), rows)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			if err := app.Migrate(ctx, pool); err != nil {
				return err
			}

			db := stdlib.OpenDBFromPool(pool)
			defer db.Close()
			version, dirty, err := migration.Version(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

func newRefreshPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-plan [agency-id]",
		Short: "Drop the cached plan of an agency after its plan changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, s *stores) error {
				cache := agency.NewCachedStore(agency.NewPostgresStore(s.pool), s.rdb, s.cfg.AgencyCacheTTL, s.logger)
				return refreshPlan(ctx, cmd.OutOrStdout(), cache, args[0])
			})
		},
	}
}

type planInvalidator interface {
	Invalidate(ctx context.Context, agencyID string) error
	PlanType(ctx context.Context, agencyID string) (string, error)
}

func refreshPlan(ctx context.Context, out io.Writer, cache planInvalidator, agencyID string) error {
	if err := cache.Invalidate(ctx, agencyID); err != nil {
		return fmt.Errorf("invalidate cached plan: %w", err)
	}
	raw, err := cache.PlanType(ctx, agencyID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "agency %s now on plan %s\n", agencyID, plan.Normalize(raw))
	return nil
}

func newRevokeKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-key [key-id]",
		Short: "Deactivate an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, s *stores) error {
				return revokeKey(ctx, cmd.OutOrStdout(), auth.NewPostgresStore(s.pool), args[0])
			})
		},
	}
}

func revokeKey(ctx context.Context, out io.Writer, keys auth.Store, keyID string) error {
	if err := keys.Revoke(ctx, keyID); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			return fmt.Errorf("api key %s not found", keyID)
		}
		return err
	}
	fmt.Fprintf(out, "api key %s revoked; cached lookups expire within 5 minutes\n", keyID)
	return nil
}

type stores struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	rdb    *redis.Client
	logger *zap.Logger
}

func withStores(cmd *cobra.Command, fn func(ctx context.Context, s *stores) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		ServiceName: "meterctl",
		Environment: cfg.Environment,
		Level:       "warn",
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	pool, rdb, err := app.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer rdb.Close()

	return fn(ctx, &stores{cfg: cfg, pool: pool, rdb: rdb, logger: logger})
}

func withMeter(cmd *cobra.Command, fn func(ctx context.Context, m *meter.Meter) error) error {
	return withStores(cmd, func(ctx context.Context, s *stores) error {
		m, err := app.NewMeter(s.cfg, s.pool, s.rdb, s.logger.With(zap.String("component", "meterctl")))
		if err != nil {
			return err
		}
		return fn(ctx, m)
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
