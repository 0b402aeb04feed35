package agency

import (
	"context"
	"errors"
)

var (
	ErrAgencyNotFound   = errors.New("agency not found")
	ErrStoreUnavailable = errors.New("agency store unavailable")
)

// Store resolves the plan type of an agency. Agencies themselves are owned
// by another service; this package only reads plan_type.
type Store interface {
	PlanType(ctx context.Context, agencyID string) (string, error)
}
