package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edvin/jitaccess/internal/broker"
	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/store"
)

var (
	errNoCredentialBroker = errors.New("database credential broker is not configured")
	errNoCloudProvisioner = errors.New("cloud access provisioning is not configured")
)

// grant provisions access for an approved request and records the outcome.
// The caller holds the request lock. Any failure leaves the request failed
// with nothing provisioned downstream.
func (m *Manager) grant(ctx context.Context, req *model.AccessRequest) (*model.GrantResult, error) {
	now := m.now()
	var (
		lease      *model.CredentialLease
		assignment *model.CloudAssignment
		result     = &model.GrantResult{}
		expires    = now.Add(req.Duration())
	)

	switch req.Target.Kind {
	case model.TargetDatabase:
		if m.credentials == nil {
			return nil, m.fail(ctx, req, "issue_credential", errNoCredentialBroker)
		}
		cred, err := m.credentials.IssueDatabaseCredential(ctx, broker.IssueRequest{
			RequestID:  req.ID,
			Requester:  req.Requester,
			Engine:     req.Target.Engine,
			Databases:  req.Target.Databases,
			Operations: req.Permissions.SQL.EffectiveOperations(),
			TTL:        req.Duration(),
			IAMAuth:    req.Target.IAMAuth,
		})
		if err != nil {
			return nil, m.fail(ctx, req, "issue_credential", err)
		}
		lease = &cred.Lease
		if lease.ExpiresAt.Before(expires) {
			expires = lease.ExpiresAt
		}
		result.Principal = lease.Principal
		result.Secret = cred.Secret
		result.AuthMode = lease.AuthMode
	default:
		if m.cloud == nil {
			return nil, m.fail(ctx, req, "cloud_assignment", errNoCloudProvisioner)
		}
		a, err := m.cloud.Grant(ctx, req)
		if err != nil {
			return nil, m.fail(ctx, req, "cloud_assignment", err)
		}
		assignment = a
		result.Principal = a.PrincipalID
		if a.InstanceUser != "" {
			result.Principal = a.InstanceUser
		}
	}
	result.ExpiresAt = &expires

	granted := *req
	err := m.store.InTx(ctx, func(tx store.Store) error {
		if lease != nil {
			if err := tx.SaveLease(ctx, lease); err != nil {
				return err
			}
			granted.LeaseRef = lease.ID
		}
		if err := tx.CompareAndSetStatus(ctx, req.ID, model.StatusApproved, model.StatusGranted); err != nil {
			return err
		}
		granted.Status = model.StatusGranted
		granted.Assignment = assignment
		granted.GrantedAt = &now
		granted.ExpiresAt = &expires
		granted.ModifiedAt = now
		return tx.UpdateRequest(ctx, &granted)
	})
	if err != nil {
		m.undo(ctx, req.ID, lease, assignment)
		return nil, m.fail(ctx, req, "record_grant", err)
	}
	*req = granted

	m.transition(model.StatusApproved, model.StatusGranted)
	m.audit.Event(ctx, "system", req.ID, "grant", "expires "+expires.UTC().Format(time.RFC3339))
	m.logger.Info().
		Str("request_id", req.ID).
		Str("principal", result.Principal).
		Time("expires_at", expires).
		Msg("access granted")
	return result, nil
}

// undo removes downstream access that was provisioned but could not be
// recorded.
func (m *Manager) undo(ctx context.Context, id string, lease *model.CredentialLease, a *model.CloudAssignment) {
	ctx = context.WithoutCancel(ctx)
	var err error
	switch {
	case lease != nil:
		err = m.credentials.Revoke(ctx, lease)
	case a != nil:
		err = m.cloud.Revoke(ctx, a)
	}
	if err != nil {
		m.logger.Error().Err(err).Str("request_id", id).Msg("unrecorded grant could not be removed")
	}
}

// fail moves an approved request to failed and returns the
// *model.ProvisioningFailure for cause.
func (m *Manager) fail(ctx context.Context, req *model.AccessRequest, step string, cause error) error {
	pf := &model.ProvisioningFailure{Step: step, Err: cause}
	now := m.now()

	failed := *req
	err := m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.CompareAndSetStatus(ctx, req.ID, model.StatusApproved, model.StatusFailed); err != nil {
			return err
		}
		failed.Status = model.StatusFailed
		failed.FailureReason = pf.Error()
		failed.ModifiedAt = now
		return tx.UpdateRequest(ctx, &failed)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("request_id", req.ID).Msg("failed grant could not be recorded")
		return fmt.Errorf("%w (recording failure: %v)", pf, err)
	}
	*req = failed

	m.transition(model.StatusApproved, model.StatusFailed)
	_ = m.audit.Record(ctx, &model.AuditLogEntry{
		Actor:     "system",
		RequestID: req.ID,
		Action:    "grant",
		Allowed:   false,
		Error:     pf.Error(),
	})
	m.logger.Error().Err(cause).Str("request_id", req.ID).Str("step", step).Msg("provisioning failed")
	return pf
}
