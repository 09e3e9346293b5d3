// Package ratelimit throttles proof and intent traffic per caller using a
// fixed one-minute window in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/refnet/refcore/internal/logger"
	"github.com/refnet/refcore/internal/metrics"
	"github.com/refnet/refcore/internal/models"
	"github.com/refnet/refcore/internal/risk"
	"github.com/rs/zerolog"
)

const window = time.Minute

// Limiter counts requests per key in Redis and rejects callers that exceed
// the per-minute limit.
type Limiter struct {
	client  *redis.Client
	logger  zerolog.Logger
	riskLog *risk.Log
	limit   int
}

// NewLimiter creates a limiter allowing limit requests per key per minute.
func NewLimiter(client *redis.Client, logg zerolog.Logger, riskLog *risk.Log, limit int) *Limiter {
	return &Limiter{
		client:  client,
		logger:  logger.WithComponent(logg, "ratelimit"),
		riskLog: riskLog,
		limit:   limit,
	}
}

// Allow reports whether a request identified by key (a wallet address or a
// client address) may proceed. A rejection is recorded as a risk event.
// Redis failures fail open so an outage does not take authentication down
// with it.
func (l *Limiter) Allow(ctx context.Context, key string, identityID *uint) (bool, error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("Rate limit check failed, allowing request")
		return true, nil
	}

	if count.Val() > int64(l.limit) {
		metrics.RateLimitHits.Inc()
		l.riskLog.Record(ctx, models.RiskRateLimit, identityID, map[string]any{
			"key":   key,
			"count": count.Val(),
			"limit": l.limit,
		})
		return false, nil
	}
	return true, nil
}

// Reset clears the counter for a key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, fmt.Sprintf("ratelimit:%s", key)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
