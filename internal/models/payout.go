package models

import (
	"time"

	"gorm.io/gorm"
)

// PayoutStatus is the lifecycle state of a payout request.
type PayoutStatus string

const (
	PayoutRequested PayoutStatus = "REQUESTED"
	PayoutSent      PayoutStatus = "SENT"
	PayoutRejected  PayoutStatus = "REJECTED"
)

// PayoutRequest represents a reward payout claim by an identity.
// At most one open (REQUESTED) payout request exists per identity at a time.
// Marking a request SENT settles the identity's current cycle.
type PayoutRequest struct {
	gorm.Model
	IdentityID    uint         `gorm:"index;not null"`
	Status        PayoutStatus `gorm:"size:16;index;default:REQUESTED"`
	SettlementRef *string      `gorm:"size:128"`
	ProcessedAt   *time.Time

	// Relationships
	Identity Identity `gorm:"foreignKey:IdentityID"`
}
