package agency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) PlanType(ctx context.Context, agencyID string) (string, error) {
	var planType string
	err := s.db.QueryRow(ctx, `SELECT COALESCE(plan_type, '') FROM agencies WHERE id = $1`, agencyID).Scan(&planType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAgencyNotFound
		}
		return "", fmt.Errorf("%w: get plan type: %w", ErrStoreUnavailable, err)
	}
	return planType, nil
}
