package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrKeyNotFound = errors.New("api key not found")

const cacheTTL = 5 * time.Minute

// APIKey binds a bearer key to exactly one agency.
type APIKey struct {
	ID        string    `json:"id"`
	AgencyID  string    `json:"agency_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"` // max tokens per minute
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	agencyIDKey contextKey = "agency_id"
	apiKeyIDKey contextKey = "api_key_id"
)

// HashKey is the SHA-256 hex digest stored in place of the raw key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// NewMiddleware resolves a bearer key to its agency. When required is
// false, requests without an Authorization header pass through
// unauthenticated; a header that is present must still be valid.
func NewMiddleware(store Store, cache *redis.Client, logger *zap.Logger, required bool) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" && !required {
				next.ServeHTTP(w, r)
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")

			apiKey, err := lookup(ctx, store, cache, logger, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					writeError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				logger.Error("api key lookup failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "authentication is temporarily unavailable")
				return
			}

			ctx = WithAgencyID(ctx, apiKey.AgencyID)
			ctx = WithAPIKeyID(ctx, apiKey.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func lookup(ctx context.Context, store Store, cache *redis.Client, logger *zap.Logger, key string) (*APIKey, error) {
	redisKey := fmt.Sprintf("auth:%s", HashKey(key))

	if cache != nil {
		var apiKey APIKey
		err := cache.Get(ctx, redisKey).Scan(&apiKey)
		if err == nil {
			return &apiKey, nil
		}
		if !errors.Is(err, redis.Nil) {
			logger.Warn("auth cache read failed", zap.Error(err))
		}
	}

	apiKey, err := store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		if err := cache.Set(ctx, redisKey, apiKey, cacheTTL).Err(); err != nil {
			logger.Warn("auth cache write failed", zap.Error(err))
		}
	}
	return apiKey, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}

// AgencyID is the agency bound to the request's API key, or "" when the
// request was not authenticated.
func AgencyID(ctx context.Context) string {
	if id, ok := ctx.Value(agencyIDKey).(string); ok {
		return id
	}
	return ""
}

func APIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func WithAgencyID(ctx context.Context, agencyID string) context.Context {
	return context.WithValue(ctx, agencyIDKey, agencyID)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}
