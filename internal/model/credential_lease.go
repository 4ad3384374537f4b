package model

import "time"

// Credential auth modes.
const (
	AuthModePassword = "password"
	AuthModeToken    = "token"
)

// CredentialLease is a dynamically issued database credential.
type CredentialLease struct {
	ID        string     `json:"id" db:"id"`
	RequestID string     `json:"request_id" db:"request_id"`
	Mount     string     `json:"mount" db:"mount"`
	RoleName  string     `json:"role_name" db:"role_name"`
	Principal string     `json:"principal" db:"principal"`
	LeaseID   string     `json:"-" db:"lease_id"`
	Engine    string     `json:"engine" db:"engine"`
	AuthMode  string     `json:"auth_mode" db:"auth_mode"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// LeaseStatus is a lease as the secrets authority currently sees it.
type LeaseStatus struct {
	Lease            CredentialLease `json:"lease"`
	Active           bool            `json:"active"`
	RemainingSeconds int64           `json:"remaining_seconds"`
	CheckedAt        time.Time       `json:"checked_at"`
}
