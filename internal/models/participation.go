package models

import (
	"time"

	"gorm.io/gorm"
)

// ParticipationStatus is the lifecycle state of a participation.
type ParticipationStatus string

const (
	ParticipationNew       ParticipationStatus = "NEW"
	ParticipationPending   ParticipationStatus = "PENDING"
	ParticipationConfirmed ParticipationStatus = "CONFIRMED"
	ParticipationRejected  ParticipationStatus = "REJECTED"
)

// ActiveParticipationStatuses are the states that count toward an identity's
// active cycle and toward a referrer's slot usage. REJECTED is terminal and
// frees the slot.
var ActiveParticipationStatuses = []ParticipationStatus{
	ParticipationNew,
	ParticipationPending,
	ParticipationConfirmed,
}

// Participation represents one identity's entry in the current reward cycle.
//
// Invariants:
//   - at most one participation per identity in NEW|PENDING|CONFIRMED at a time
//   - TxRef is globally unique once set
type Participation struct {
	gorm.Model
	IdentityID uint                `gorm:"index;not null"`
	ReferrerID *uint               `gorm:"index"`
	AuthorCode string              `gorm:"size:32"`
	TxRef      *string             `gorm:"size:128;uniqueIndex"`
	Status     ParticipationStatus `gorm:"size:16;index;default:NEW"`

	ConfirmedAt *time.Time

	// Relationships
	Identity Identity  `gorm:"foreignKey:IdentityID"`
	Referrer *Identity `gorm:"foreignKey:ReferrerID"`
}
