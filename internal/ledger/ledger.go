package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultLanguage = "en"

// UsageRecord is one append-only ledger entry written after a completed AI call.
type UsageRecord struct {
	ID         string              `json:"id"`
	AgencyID   string              `json:"agencyId"`
	UserID     string              `json:"userId,omitempty"`
	Model      string              `json:"model"`
	Tokens     int64               `json:"tokens"`
	InputText  string              `json:"inputText,omitempty"`
	OutputText string              `json:"outputText,omitempty"`
	Language   string              `json:"language"`
	RequestID  string              `json:"requestId,omitempty"`
	Cost       decimal.NullDecimal `json:"cost"`
	Metadata   Metadata            `json:"metadata"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// Metadata is observability data stored next to a record. The estimates are
// never used for quota accounting; only UsageRecord.Tokens is.
type Metadata struct {
	EstimatedInputTokens  int    `json:"estimated_input_tokens,omitempty"`
	EstimatedOutputTokens int    `json:"estimated_output_tokens,omitempty"`
	Provider              string `json:"provider,omitempty"`
	LatencyMs             int64  `json:"latency_ms,omitempty"`
}

type Totals struct {
	Tokens   int64
	Requests int64
}

// DailyTotal is the token sum for one calendar day, formatted YYYY-MM-DD.
type DailyTotal struct {
	Date   string `json:"date"`
	Tokens int64  `json:"tokens"`
}

// Store is the append-only ledger. It has no update or delete path.
// Ranges are inclusive on both ends.
type Store interface {
	Insert(ctx context.Context, rec *UsageRecord) error
	Totals(ctx context.Context, agencyID string, from, to time.Time) (Totals, error)
	Daily(ctx context.Context, agencyID string, from, to time.Time, loc *time.Location) ([]DailyTotal, error)
	List(ctx context.Context, agencyID string, from, to time.Time, limit int) ([]*UsageRecord, error)
}

const dateLayout = "2006-01-02"
