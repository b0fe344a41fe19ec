// Package models contains data structures for the application's domain models.
package models

import (
	"time"
)

// User represents a registered Postways account.
//
// Uniqueness of Username and Email is enforced case-sensitively by the
// database indexes; case-insensitive checks happen at the application
// layer before insert so "Alice" and "alice" cannot coexist.
type User struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`
	IsAdmin  bool   `gorm:"default:false" json:"-"`
	IsActive bool   `gorm:"default:true" json:"is_active"`

	// LastRequest is the last time an authenticated request was seen for
	// this user. Writes are throttled to at most one per minute.
	LastRequest *time.Time `json:"last_request,omitempty"`

	// UsernameChangedAt gates the 30-day username change cooldown.
	UsernameChangedAt *time.Time `json:"-"`

	// Pending email change, confirmed via a mailed verification token.
	PendingEmail             string     `json:"-"`
	EmailVerificationToken   string     `gorm:"index" json:"-"`
	EmailVerificationExpires *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Posts []Post `gorm:"foreignKey:AuthorID;constraint:OnDelete:CASCADE" json:"posts,omitempty"`
}
