// Package models contains the domain types shared across the gpufleet codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// User tiers.
const (
	TierFree     = "free"
	TierStandard = "standard"
	TierDeluxe   = "deluxe"
)

// User is the owner of jobs and content. Accounts are managed elsewhere; the
// scheduler only needs identity and tier.
type User struct {
	ID        int64     `db:"id"         json:"id"`
	Email     string    `db:"email"      json:"email"`
	Tier      string    `db:"tier"       json:"tier"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// APIKey authenticates a user against the API.
// Raw keys are shown once at creation; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	UserID     int64      `db:"user_id"      json:"user_id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}
