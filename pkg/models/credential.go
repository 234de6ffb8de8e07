package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential scopes.
const (
	ScopeReport = "report"
	ScopeAdmin  = "admin"
)

// Credential identifies a trusted principal: a downstream engine or dispatcher
// instance posting job reports, or an operator using the admin surface.
// The raw key is shown once at creation; only the bcrypt hash is stored, with
// a short prefix kept for lookup.
type Credential struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `db:"revoked_at"   json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}
