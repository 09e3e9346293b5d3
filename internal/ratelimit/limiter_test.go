package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/refnet/refcore/internal/models"
	"github.com/refnet/refcore/internal/risk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupLimiter(t *testing.T, limit int) (*Limiter, *gorm.DB) {
	t.Helper()
	if os.Getenv("RUN_REDIS_TESTS") != "true" {
		t.Skip("Skipping Redis rate limit test. Set RUN_REDIS_TESTS=true to enable.")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Identity{}, &models.RiskEvent{}))

	riskLog := risk.NewLog(db, zerolog.Nop(), nil)
	return NewLimiter(client, zerolog.Nop(), riskLog, limit), db
}

func TestAllowWithinLimit(t *testing.T) {
	limiter, _ := setupLimiter(t, 3)
	ctx := context.Background()
	key := "wallet-" + uuid.NewString()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, key, nil)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should pass", i+1)
	}
}

func TestRejectOverLimit(t *testing.T) {
	limiter, db := setupLimiter(t, 2)
	ctx := context.Background()
	key := "wallet-" + uuid.NewString()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, key, nil)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, key, nil)
	require.NoError(t, err)
	assert.False(t, allowed)

	var count int64
	require.NoError(t, db.Model(&models.RiskEvent{}).
		Where("kind = ?", models.RiskRateLimit).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestKeysAreIndependent(t *testing.T) {
	limiter, _ := setupLimiter(t, 1)
	ctx := context.Background()

	first := "wallet-" + uuid.NewString()
	second := "wallet-" + uuid.NewString()

	allowed, err := limiter.Allow(ctx, first, nil)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, first, nil)
	require.NoError(t, err)
	assert.False(t, allowed, "the first key is exhausted")

	allowed, err = limiter.Allow(ctx, second, nil)
	require.NoError(t, err)
	assert.True(t, allowed, "the second key has its own window")
}

func TestReset(t *testing.T) {
	limiter, _ := setupLimiter(t, 1)
	ctx := context.Background()
	key := "wallet-" + uuid.NewString()

	allowed, err := limiter.Allow(ctx, key, nil)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, key, nil)
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, limiter.Reset(ctx, key))

	allowed, err = limiter.Allow(ctx, key, nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}
