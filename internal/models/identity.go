package models

import (
	"gorm.io/gorm"
)

// Identity represents an authenticated principal, keyed by TON wallet address.
type Identity struct {
	gorm.Model
	WalletAddress string `gorm:"size:128;uniqueIndex;not null"`

	// Optional Telegram identity, linked at most once.
	TelegramID       *int64 `gorm:"uniqueIndex"`
	TelegramUsername string `gorm:"size:64"`
	FirstName        string `gorm:"size:64"`

	// Optional back-reference to the inviting identity, set at most once
	// before the identity has any participation.
	InviterID *uint `gorm:"index"`

	Points int `gorm:"default:0"`

	// Relationships
	Inviter        *Identity       `gorm:"foreignKey:InviterID"`
	Participations []Participation `gorm:"foreignKey:IdentityID"`
	PayoutRequests []PayoutRequest `gorm:"foreignKey:IdentityID"`
}
