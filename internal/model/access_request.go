package model

import (
	"fmt"
	"strings"
	"time"
)

// Environment classification of the target.
const (
	EnvProd    = "prod"
	EnvNonProd = "nonprod"
	EnvSandbox = "sandbox"
)

// ParseEnvironment normalizes an environment name. Development and staging
// aliases are classified as nonprod.
func ParseEnvironment(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production", "prd":
		return EnvProd, nil
	case "nonprod", "non-prod", "dev", "development", "staging", "test", "qa":
		return EnvNonProd, nil
	case "sandbox", "sbx":
		return EnvSandbox, nil
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

// Target kinds.
const (
	TargetCloudAccount = "cloud_account"
	TargetDatabase     = "database"
	TargetInstance     = "instance"
)

// Database engine families.
const (
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// Target identifies what an access request grants access to.
type Target struct {
	Kind       string   `json:"kind"`
	AccountID  string   `json:"account_id,omitempty"`
	InstanceID string   `json:"instance_id,omitempty"`
	Engine     string   `json:"engine,omitempty"`
	Host       string   `json:"host,omitempty"`
	Port       int      `json:"port,omitempty"`
	Databases  []string `json:"databases,omitempty"`
	IAMAuth    bool     `json:"iam_auth,omitempty"`
	Region     string   `json:"region,omitempty"`
	Sudo       bool     `json:"sudo,omitempty"`
}

// Validate checks that the target carries the fields its kind needs.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetCloudAccount:
		if t.AccountID == "" {
			return fmt.Errorf("cloud account target requires account_id")
		}
	case TargetInstance:
		if t.AccountID == "" || t.InstanceID == "" {
			return fmt.Errorf("instance target requires account_id and instance_id")
		}
	case TargetDatabase:
		if t.Engine != EngineMySQL && t.Engine != EnginePostgres {
			return fmt.Errorf("unsupported database engine %q", t.Engine)
		}
		if t.Host == "" || len(t.Databases) == 0 {
			return fmt.Errorf("database target requires host and at least one database")
		}
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}

// CloudAssignment records what was provisioned for a cloud or instance grant
// so that it can be removed later.
type CloudAssignment struct {
	PermissionSetARN string `json:"permission_set_arn,omitempty"`
	PrincipalID      string `json:"principal_id,omitempty"`
	AccountID        string `json:"account_id,omitempty"`
	InstanceID       string `json:"instance_id,omitempty"`
	InstanceUser     string `json:"instance_user,omitempty"`
}

// ViolationRecord is the persisted form of a rejected submission.
type ViolationRecord struct {
	Kind    string `json:"kind"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
	Contact string `json:"contact,omitempty"`
}

// AccessRequest is a request for time-bounded access to a target.
type AccessRequest struct {
	ID                string           `json:"id" db:"id"`
	Requester         string           `json:"requester" db:"requester"`
	Target            Target           `json:"target" db:"target"`
	Permissions       PermissionSet    `json:"permissions" db:"permissions"`
	Justification     string           `json:"justification" db:"justification"`
	DurationHours     int              `json:"duration_hours" db:"duration_hours"`
	Environment       string           `json:"environment" db:"environment"`
	Status            string           `json:"status" db:"status"`
	Violation         *ViolationRecord `json:"violation,omitempty" db:"violation"`
	RequiredApprovals []string         `json:"required_approvals" db:"required_approvals"`
	LeaseRef          string           `json:"lease_ref,omitempty" db:"lease_ref"`
	Assignment        *CloudAssignment `json:"assignment,omitempty" db:"assignment"`
	FailureReason     string           `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	ModifiedAt        time.Time        `json:"modified_at" db:"modified_at"`
	GrantedAt         *time.Time       `json:"granted_at,omitempty" db:"granted_at"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	ExpiredAt         *time.Time       `json:"expired_at,omitempty" db:"expired_at"`
	RevokedAt         *time.Time       `json:"revoked_at,omitempty" db:"revoked_at"`
	DeniedAt          *time.Time       `json:"denied_at,omitempty" db:"denied_at"`
}

// Duration returns the requested access window.
func (r *AccessRequest) Duration() time.Duration {
	return time.Duration(r.DurationHours) * time.Hour
}

// RequestFilter narrows a request listing.
type RequestFilter struct {
	Status    string
	Requester string
	Limit     int
}
