package database

import (
	"fmt"
	"time"

	"github.com/refnet/refcore/internal/config"
	"github.com/refnet/refcore/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the Postgres database and migrates the schema.
func Connect(cfg config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
	)

	// Configure GORM with optimized settings
	gormConfig := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true, // Prepare statement for better performance
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	// Set connection pool limits
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Migrate database schema
	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the schema for all refcore models.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Identity{},
		&models.Participation{},
		&models.PayoutRequest{},
		&models.RiskEvent{},
		&models.ProofNonce{},
		&models.IdempotencyRecord{},
		&models.AuthorCode{},
		&models.AuthorCodeRedemption{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Add composite indexes for common query patterns
	db.Exec("CREATE INDEX IF NOT EXISTS idx_participations_identity_status ON participations(identity_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_participations_referrer_status ON participations(referrer_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_participations_referrer_created ON participations(referrer_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_payout_requests_identity_status ON payout_requests(identity_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_risk_events_kind_created ON risk_events(kind, created_at)")

	return nil
}
