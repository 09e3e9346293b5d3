package models

import (
	"gorm.io/gorm"
)

// RiskKind enumerates the anomaly types recorded for investigation.
type RiskKind string

const (
	RiskRateLimit    RiskKind = "RATE_LIMIT"
	RiskDuplicateTx  RiskKind = "DUP_TX"
	RiskWalletReused RiskKind = "WALLET_REUSED"
	RiskActiveCycle  RiskKind = "ACTIVE_CYCLE"
	RiskRefLimit     RiskKind = "REF_LIMIT"
	RiskSelfReferral RiskKind = "SELF_REFERRAL"
	RiskBadTx        RiskKind = "BAD_TX"
)

// RiskEvent is an immutable audit record of an anomalous event. Events are
// append-only and purged after a bounded retention window.
type RiskEvent struct {
	gorm.Model
	IdentityID *uint    `gorm:"index"`
	Kind       RiskKind `gorm:"size:32;index;not null"`
	Meta       string   `gorm:"type:text"`

	// Relationships
	Identity *Identity `gorm:"foreignKey:IdentityID"`
}
