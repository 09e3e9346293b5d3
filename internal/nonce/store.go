// Package nonce issues and consumes the single-use random challenges used
// for TON proof verification.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/refnet/refcore/internal/metrics"
	"github.com/refnet/refcore/internal/models"
	"gorm.io/gorm"
)

// tokenBytes is the entropy of an issued nonce (256 bits).
const tokenBytes = 32

// Store issues short-lived single-use nonces backed by the database.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewStore creates a nonce store. A nil clock defaults to time.Now.
func NewStore(db *gorm.DB, ttl time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, ttl: ttl, now: now}
}

// Issue generates a cryptographically random URL-safe token and stores it
// with an expiry of now + TTL.
func (s *Store) Issue(ctx context.Context) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	record := models.ProofNonce{
		Payload:   token,
		ExpiresAt: s.now().Add(s.ttl),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("failed to store nonce: %w", err)
	}

	metrics.NoncesIssued.Inc()
	return token, nil
}

// Consume atomically marks the nonce as used. It returns true only if exactly
// one unexpired, unused row was updated; unknown, expired and already-used
// nonces are all reported identically as false. The conditional update is the
// sole guard against concurrent double-consumption.
func (s *Store) Consume(ctx context.Context, payload string) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&models.ProofNonce{}).
		Where("payload = ? AND used_at IS NULL AND expires_at > ?", payload, now).
		Update("used_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", res.Error)
	}

	if res.RowsAffected != 1 {
		metrics.RecordNonceConsumption("rejected")
		return false, nil
	}

	metrics.RecordNonceConsumption("consumed")
	return true, nil
}

// PurgeExpired deletes nonces whose expiry has passed. Used nonces are kept
// until expiry so replays keep failing on the used_at marker. The delete is
// unscoped so the rows are physically reclaimed, not soft-deleted.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Unscoped().
		Where("expires_at <= ?", s.now()).
		Delete(&models.ProofNonce{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge nonces: %w", res.Error)
	}
	return res.RowsAffected, nil
}
