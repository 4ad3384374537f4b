package model

import "time"

// Approver roles.
const (
	RoleSelf     = "self"
	RoleManager  = "manager"
	RoleSecurity = "security"
)

// Approval is a single approval event. The same role may approve more than
// once; quorum only looks at the set of roles.
type Approval struct {
	RequestID string    `json:"request_id" db:"request_id"`
	Role      string    `json:"role" db:"role"`
	Approver  string    `json:"approver" db:"approver"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// MissingRoles returns the required roles not present in approvals, in the
// order they are required.
func MissingRoles(required []string, approvals []Approval) []string {
	received := make(map[string]struct{}, len(approvals))
	for _, a := range approvals {
		received[a.Role] = struct{}{}
	}
	var missing []string
	for _, role := range required {
		if _, ok := received[role]; !ok {
			missing = append(missing, role)
		}
	}
	return missing
}

// ApprovalResult is returned from an approval event.
type ApprovalResult struct {
	Request      *AccessRequest `json:"request"`
	Status       string         `json:"status"`
	PendingRoles []string       `json:"pending_roles,omitempty"`
	Grant        *GrantResult   `json:"grant,omitempty"`
}

// GrantResult carries the connection details handed to the requester once.
// Secret is never persisted.
type GrantResult struct {
	Principal string     `json:"principal,omitempty"`
	Secret    string     `json:"secret,omitempty"`
	AuthMode  string     `json:"auth_mode,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
