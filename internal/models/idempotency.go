package models

import (
	"gorm.io/gorm"
)

// IdempotencyRecord maps a client-supplied key to a previously computed
// response payload, so that intent-creation retries replay the original
// response instead of re-executing side effects. Keys are scoped per
// identity; one caller cannot read back another caller's stored response.
type IdempotencyRecord struct {
	gorm.Model
	IdentityID uint   `gorm:"uniqueIndex:idx_idempotency_identity_key;not null"`
	Key        string `gorm:"size:64;uniqueIndex:idx_idempotency_identity_key;not null"`
	Response   []byte `gorm:"type:bytea"`
}
