package agency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultCacheTTL = 5 * time.Minute

// CachedStore is a read-through Redis cache in front of another Store.
// Cache failures are logged and never block the lookup.
type CachedStore struct {
	next   Store
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStore(next Store, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{next: next, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(agencyID string) string {
	return fmt.Sprintf("agency:plan:%s", agencyID)
}

func (s *CachedStore) PlanType(ctx context.Context, agencyID string) (string, error) {
	key := cacheKey(agencyID)

	planType, err := s.cache.Get(ctx, key).Result()
	if err == nil {
		return planType, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.logger.Warn("agency plan cache read failed", zap.String("agency_id", agencyID), zap.Error(err))
	}

	planType, err = s.next.PlanType(ctx, agencyID)
	if err != nil {
		return "", err
	}

	if err := s.cache.Set(ctx, key, planType, s.ttl).Err(); err != nil {
		s.logger.Warn("agency plan cache write failed", zap.String("agency_id", agencyID), zap.Error(err))
	}
	return planType, nil
}

// Invalidate drops the cached plan, e.g. after a plan change upstream.
func (s *CachedStore) Invalidate(ctx context.Context, agencyID string) error {
	return s.cache.Del(ctx, cacheKey(agencyID)).Err()
}
