package model

// Access request status constants.
const (
	StatusPending         = "pending"
	StatusPendingApproval = "pending_approval"
	StatusApproved        = "approved"
	StatusGranted         = "granted"
	StatusDenied          = "denied"
	StatusFailed          = "failed"
	StatusRevoked         = "revoked"
	StatusExpired         = "expired"
)

// StatusPartialApproval is reported to callers while the approval quorum is
// still incomplete. It is never persisted.
const StatusPartialApproval = "partial_approval"

var transitions = map[string][]string{
	StatusPending:         {StatusPendingApproval, StatusApproved, StatusDenied, StatusPending},
	StatusPendingApproval: {StatusApproved, StatusDenied, StatusPending},
	StatusApproved:        {StatusGranted, StatusFailed},
	StatusGranted:         {StatusRevoked, StatusExpired},
}

// CanTransition reports whether a request may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from status.
func IsTerminal(status string) bool {
	switch status {
	case StatusDenied, StatusFailed, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// IsAwaitingApproval reports whether a request in status still collects approvals.
func IsAwaitingApproval(status string) bool {
	return status == StatusPending || status == StatusPendingApproval
}
