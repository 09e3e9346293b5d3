package risk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/refnet/refcore/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Identity{}, &models.RiskEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRecordAndList(t *testing.T) {
	db := setupTestDB(t)
	log := NewLog(db, zerolog.Nop(), nil)
	ctx := context.Background()

	identityID := uint(7)
	log.Record(ctx, models.RiskSelfReferral, &identityID, map[string]any{"referrer": "0:abc"})
	log.Record(ctx, models.RiskSelfReferral, nil, nil)
	log.Record(ctx, models.RiskDuplicateTx, nil, map[string]any{"tx_ref": "deadbeef"})

	events, err := log.ListRecent(ctx, models.RiskSelfReferral, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	var withIdentity models.RiskEvent
	require.NoError(t, db.First(&withIdentity, "identity_id = ?", identityID).Error)
	assert.Equal(t, models.RiskSelfReferral, withIdentity.Kind)
	assert.Contains(t, withIdentity.Meta, `"referrer":"0:abc"`)
}

func TestRecordEmptyMeta(t *testing.T) {
	db := setupTestDB(t)
	log := NewLog(db, zerolog.Nop(), nil)

	log.Record(context.Background(), models.RiskRateLimit, nil, nil)

	var event models.RiskEvent
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, "{}", event.Meta)
}

func TestFlushSurvivesRollback(t *testing.T) {
	db := setupTestDB(t)
	log := NewLog(db, zerolog.Nop(), nil)
	ctx := context.Background()

	identityID := uint(7)
	pending := &Pending{}
	err := db.Transaction(func(tx *gorm.DB) error {
		pending.Add(models.RiskActiveCycle, &identityID, map[string]any{"wallet": "0:aa"})
		return errors.New("rejected")
	})
	require.Error(t, err)

	log.Flush(ctx, pending)

	// The audit row outlives the rolled-back transaction
	var count int64
	require.NoError(t, db.Model(&models.RiskEvent{}).
		Where("kind = ?", models.RiskActiveCycle).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// A second flush writes nothing new
	log.Flush(ctx, pending)
	require.NoError(t, db.Model(&models.RiskEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestPurge(t *testing.T) {
	db := setupTestDB(t)
	current := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	log := NewLog(db, zerolog.Nop(), func() time.Time { return current })
	ctx := context.Background()

	old := models.RiskEvent{Kind: models.RiskBadTx, Meta: "{}"}
	old.CreatedAt = current.Add(-91 * 24 * time.Hour)
	require.NoError(t, db.Create(&old).Error)

	recent := models.RiskEvent{Kind: models.RiskBadTx, Meta: "{}"}
	recent.CreatedAt = current.Add(-24 * time.Hour)
	require.NoError(t, db.Create(&recent).Error)

	purged, err := log.Purge(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	var remaining int64
	require.NoError(t, db.Model(&models.RiskEvent{}).Count(&remaining).Error)
	assert.EqualValues(t, 1, remaining)
}
