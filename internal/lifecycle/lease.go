package lifecycle

import (
	"context"
	"fmt"

	"github.com/edvin/jitaccess/internal/model"
)

// Lease reports the live state of the credential lease behind a database
// grant. Revoked leases are answered from the store without asking the
// authority.
func (m *Manager) Lease(ctx context.Context, id string) (*model.LeaseStatus, error) {
	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.LeaseRef == "" {
		return nil, fmt.Errorf("request %s has no credential lease: %w", id, model.ErrNotFound)
	}
	lease, err := m.store.GetLease(ctx, req.LeaseRef)
	if err != nil {
		return nil, err
	}

	status := &model.LeaseStatus{Lease: *lease, CheckedAt: m.now()}
	if lease.RevokedAt != nil {
		return status, nil
	}
	if m.credentials == nil {
		return nil, &model.ProvisioningFailure{Step: "lease_lookup", Err: errNoCredentialBroker}
	}

	ttl, err := m.credentials.LeaseTTL(ctx, lease.LeaseID)
	if err != nil {
		m.logger.Warn().Err(err).Str("request_id", id).Msg("lease lookup failed")
		return nil, &model.ProvisioningFailure{Step: "lease_lookup", Err: err}
	}
	status.Active = ttl > 0
	status.RemainingSeconds = int64(ttl.Seconds())
	return status, nil
}
