package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// ErrUnavailable means the throughput window could not be read. Callers
// must reject the request rather than let it through.
var ErrUnavailable = errors.New("rate limiter unavailable")

// Limiter is a per-agency tokens-per-minute window on top of
// github.com/vnmchuo/ratelimiter. It is burst protection only and knows
// nothing about monthly quotas.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func agencyKey(agencyID string) string {
	return fmt.Sprintf("ratelimit:agency:%s", agencyID)
}

// Allow consumes tokens from the agency's current window. A nil Limiter
// allows everything.
func (l *Limiter) Allow(ctx context.Context, agencyID string, tokens int) (bool, error) {
	if l == nil || l.store == nil {
		return true, nil
	}
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, agencyKey(agencyID), tokens)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if res == nil {
		return false, ErrUnavailable
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, agencyID string) (*extratelimit.Result, error) {
	if l == nil || l.store == nil {
		return nil, ErrUnavailable
	}
	res, err := l.store.Status(ctx, agencyKey(agencyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return res, nil
}
