// Package store persists access requests, approvals, credential leases,
// audit entries and the versioned policy configuration.
package store

import (
	"context"
	"time"

	"github.com/edvin/jitaccess/internal/model"
)

// Store is the repository used by the broker core. Implementations must make
// CompareAndSetStatus atomic and must never update or delete audit entries.
type Store interface {
	// InTx runs fn against a transactional view of the store. Returning an
	// error from fn rolls back every write made through that view.
	InTx(ctx context.Context, fn func(tx Store) error) error

	CreateRequest(ctx context.Context, r *model.AccessRequest) error
	GetRequest(ctx context.Context, id string) (*model.AccessRequest, error)
	UpdateRequest(ctx context.Context, r *model.AccessRequest) error
	// CompareAndSetStatus moves a request from one status to another and
	// returns model.ErrConflict when the current status is not from.
	CompareAndSetStatus(ctx context.Context, id, from, to string) error
	ListRequests(ctx context.Context, f model.RequestFilter) ([]model.AccessRequest, error)
	ListExpiredGrants(ctx context.Context, now time.Time) ([]model.AccessRequest, error)

	AddApproval(ctx context.Context, a model.Approval) error
	ListApprovals(ctx context.Context, requestID string) ([]model.Approval, error)
	ClearApprovals(ctx context.Context, requestID string) error

	SaveLease(ctx context.Context, l *model.CredentialLease) error
	GetLease(ctx context.Context, id string) (*model.CredentialLease, error)
	MarkLeaseRevoked(ctx context.Context, id string, at time.Time) error

	AppendAudit(ctx context.Context, e *model.AuditLogEntry) error
	ListAudit(ctx context.Context, requestID string, limit int) ([]model.AuditLogEntry, error)

	GetPolicyConfig(ctx context.Context) (*model.PolicyConfig, error)
	// PutPolicyConfig stores cfg as a new version. It returns
	// model.ErrConflict when expectedVersion is not the current version.
	PutPolicyConfig(ctx context.Context, cfg *model.PolicyConfig, expectedVersion int64) (*model.PolicyConfig, error)
}

const defaultListLimit = 100
