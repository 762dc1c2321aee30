package store

import (
	"time"
)

// AllowedOrigin is a durable allow-list entry for cross-origin requests.
type AllowedOrigin struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	UUID        string     `gorm:"uniqueIndex;not null" json:"id"`
	URL         string     `gorm:"uniqueIndex;not null" json:"url"`
	Environment string     `gorm:"not null;index" json:"environment"`
	Description string     `json:"description"`
	AddedBy     string     `json:"added_by"`
	IsActive    bool       `gorm:"not null;default:true" json:"is_active"`
	UsageCount  int64      `gorm:"not null;default:0" json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	Tags        string     `gorm:"type:text" json:"-"`
	CreatedAt   time.Time  `json:"added_at"`
	UpdatedAt   time.Time  `json:"-"`
}

// RevokedToken is a denylist row for a terminated session. ExpiresAt
// mirrors the token's own expiry claim so rows become garbage exactly
// when the token would have stopped verifying anyway.
type RevokedToken struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TokenHash string    `gorm:"uniqueIndex;not null" json:"-"`
	UserID    string    `gorm:"index" json:"user_id"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// User is the minimal identity record backing the user-lookup
// collaborator. Credential and profile data live outside this layer.
type User struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	Role      string    `gorm:"not null" json:"role"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
