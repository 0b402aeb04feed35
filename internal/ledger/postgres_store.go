package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *UsageRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %w", ErrInvalidRecord, err)
	}

	query := `
		INSERT INTO ai_usage_records
			(agency_id, user_id, model, tokens, input_text, output_text, language, request_id, cost, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err = s.db.QueryRow(ctx, query,
		rec.AgencyID, nullable(rec.UserID), rec.Model, rec.Tokens,
		nullable(rec.InputText), nullable(rec.OutputText), rec.Language,
		nullable(rec.RequestID), rec.Cost, meta,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		// Class 23 is an integrity constraint violation; retrying will not help.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		return fmt.Errorf("%w: insert usage record: %w", ErrStoreUnavailable, err)
	}

	return nil
}

func (s *PostgresStore) Totals(ctx context.Context, agencyID string, from, to time.Time) (Totals, error) {
	query := `
		SELECT COALESCE(SUM(tokens), 0), COUNT(*)
		FROM ai_usage_records
		WHERE agency_id = $1 AND created_at >= $2 AND created_at <= $3
	`
	var t Totals
	if err := s.db.QueryRow(ctx, query, agencyID, from, to).Scan(&t.Tokens, &t.Requests); err != nil {
		return Totals{}, fmt.Errorf("%w: sum usage: %w", ErrStoreUnavailable, err)
	}
	return t, nil
}

func (s *PostgresStore) Daily(ctx context.Context, agencyID string, from, to time.Time, loc *time.Location) ([]DailyTotal, error) {
	query := `
		SELECT to_char((created_at AT TIME ZONE $4)::date, 'YYYY-MM-DD') AS day, SUM(tokens)
		FROM ai_usage_records
		WHERE agency_id = $1 AND created_at >= $2 AND created_at <= $3
		GROUP BY day
		ORDER BY day
	`
	rows, err := s.db.Query(ctx, query, agencyID, from, to, zoneName(loc))
	if err != nil {
		return nil, fmt.Errorf("%w: daily usage: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []DailyTotal
	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Date, &d.Tokens); err != nil {
			return nil, fmt.Errorf("%w: scan daily usage: %w", ErrStoreUnavailable, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate daily usage: %w", ErrStoreUnavailable, err)
	}

	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, agencyID string, from, to time.Time, limit int) ([]*UsageRecord, error) {
	query := `
		SELECT id, agency_id, COALESCE(user_id, ''), model, tokens, COALESCE(input_text, ''),
			COALESCE(output_text, ''), language, COALESCE(request_id, ''), cost, metadata, created_at
		FROM ai_usage_records
		WHERE agency_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4
	`
	rows, err := s.db.Query(ctx, query, agencyID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list usage records: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var (
			r    UsageRecord
			meta []byte
		)
		err := rows.Scan(
			&r.ID, &r.AgencyID, &r.UserID, &r.Model, &r.Tokens, &r.InputText,
			&r.OutputText, &r.Language, &r.RequestID, &r.Cost, &meta, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan usage record: %w", ErrStoreUnavailable, err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for record %s: %w", r.ID, err)
			}
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate usage records: %w", ErrStoreUnavailable, err)
	}

	return records, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func zoneName(loc *time.Location) string {
	if loc == nil || loc.String() == "Local" {
		return "UTC"
	}
	return loc.String()
}
