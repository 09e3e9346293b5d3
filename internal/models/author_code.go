package models

import (
	"gorm.io/gorm"
)

// AuthorCode is a referral bonus code. The owner and the participant who
// applies the code both receive a one-time point bonus.
type AuthorCode struct {
	gorm.Model
	Code    string `gorm:"size:32;uniqueIndex;not null"`
	OwnerID uint   `gorm:"index;not null"`

	// Relationships
	Owner Identity `gorm:"foreignKey:OwnerID"`
}

// AuthorCodeRedemption records that an identity has applied a code. The
// composite unique index makes the bonus idempotent per identity.
type AuthorCodeRedemption struct {
	gorm.Model
	CodeID     uint `gorm:"uniqueIndex:idx_code_identity;not null"`
	IdentityID uint `gorm:"uniqueIndex:idx_code_identity;not null"`

	// Relationships
	Code     AuthorCode `gorm:"foreignKey:CodeID"`
	Identity Identity   `gorm:"foreignKey:IdentityID"`
}
