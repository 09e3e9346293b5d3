package models

import (
	"time"

	"gorm.io/gorm"
)

// ProofNonce is a single-use random challenge for TON proof verification.
// A nonce is accepted exactly once and only before expiry; UsedAt stays null
// until the nonce is consumed.
type ProofNonce struct {
	gorm.Model
	Payload   string    `gorm:"size:255;uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	UsedAt    *time.Time
}
