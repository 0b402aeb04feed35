package seeder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/vnmchuo/agency-ai-meter/internal/auth"
)

const (
	TestAPIKey     = "test-api-key-12345"
	TestAgencyID   = "00000000-0000-0000-0000-000000000001"
	TestAgencyName = "Demo Agency"
	TestPlanType   = "starter"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Seed creates a demo agency on the starter plan and an API key bound to
// it. Running it twice is harmless.
func Seed(ctx context.Context, db DB, keys auth.Store, logger *zap.Logger) error {
	_, err := db.Exec(ctx, `
		INSERT INTO agencies (id, name, plan_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, TestAgencyID, TestAgencyName, TestPlanType)
	if err != nil {
		return fmt.Errorf("seed agency: %w", err)
	}

	apiKey := &auth.APIKey{
		AgencyID:  TestAgencyID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}
	if err := keys.Create(ctx, apiKey); err != nil {
		return fmt.Errorf("seed api key: %w", err)
	}

	logger.Info("seeded demo agency",
		zap.String("agency_id", TestAgencyID),
		zap.String("plan_type", TestPlanType),
		zap.String("api_key", TestAPIKey),
	)
	return nil
}
