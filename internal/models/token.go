package models

import (
	"time"
)

// OutstandingToken records every refresh token the server has issued.
// The JTI claim is the lookup key; the raw token is kept for auditing.
type OutstandingToken struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	JTI       string    `gorm:"size:64;uniqueIndex;not null" json:"jti"`
	Token     string    `gorm:"type:text" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`

	User User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// BlacklistedToken marks an outstanding token as revoked. Every
// blacklist row references an outstanding row, so a token can only be
// revoked if it was issued by us in the first place.
type BlacklistedToken struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TokenID       uint      `gorm:"uniqueIndex;not null" json:"token_id"`
	BlacklistedAt time.Time `gorm:"autoCreateTime" json:"blacklisted_at"`

	Token OutstandingToken `gorm:"foreignKey:TokenID;constraint:OnDelete:CASCADE" json:"-"`
}
