package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/store"
)

// Revoke removes a granted request's downstream access and marks it revoked.
// If removal fails the request stays granted and a
// *model.ProvisioningFailure is returned. Revoking a revoked request is a
// no-op.
func (m *Manager) Revoke(ctx context.Context, id, actor, reason string) (*model.AccessRequest, error) {
	return m.end(ctx, id, actor, model.StatusRevoked, reason)
}

// Expire is Revoke for grants past their expiry. It is a no-op for requests
// that are no longer granted, so repeated reaping is harmless.
func (m *Manager) Expire(ctx context.Context, id string) (*model.AccessRequest, error) {
	return m.end(ctx, id, "reaper", model.StatusExpired, "")
}

func (m *Manager) end(ctx context.Context, id, actor, to, reason string) (*model.AccessRequest, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	switch {
	case req.Status == to:
		return req, nil
	case req.Status != model.StatusGranted && to == model.StatusExpired:
		return req, nil
	case req.Status != model.StatusGranted:
		return nil, fmt.Errorf("%s request %s in status %s: %w", actionName(to), id, req.Status, model.ErrInvalidTransition)
	case to == model.StatusExpired && req.ExpiresAt != nil && req.ExpiresAt.After(now):
		return nil, fmt.Errorf("request %s has not expired: %w", id, model.ErrInvalidTransition)
	}

	if err := m.removeAccess(ctx, req); err != nil {
		pf := &model.ProvisioningFailure{Step: actionName(to), Err: err}
		_ = m.audit.Record(ctx, &model.AuditLogEntry{
			Actor:     actor,
			RequestID: id,
			Action:    actionName(to),
			Allowed:   false,
			Error:     pf.Error(),
		})
		m.logger.Error().Err(err).Str("request_id", id).Msg("downstream access could not be removed; request stays granted")
		return req, pf
	}

	ended := *req
	err = m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.CompareAndSetStatus(ctx, id, model.StatusGranted, to); err != nil {
			return err
		}
		ended.Status = to
		ended.ModifiedAt = now
		if to == model.StatusExpired {
			ended.ExpiredAt = &now
		} else {
			ended.RevokedAt = &now
		}
		return tx.UpdateRequest(ctx, &ended)
	})
	if err != nil {
		return nil, fmt.Errorf("%s request %s: %w", actionName(to), id, err)
	}

	m.transition(model.StatusGranted, to)
	m.audit.Event(ctx, actor, id, actionName(to), reason)
	m.logger.Info().Str("request_id", id).Str("status", to).Msg("access removed")
	return &ended, nil
}

// removeAccess revokes the credential lease or cloud assignment behind req.
func (m *Manager) removeAccess(ctx context.Context, req *model.AccessRequest) error {
	switch {
	case req.LeaseRef != "":
		if m.credentials == nil {
			return errNoCredentialBroker
		}
		lease, err := m.store.GetLease(ctx, req.LeaseRef)
		if errors.Is(err, model.ErrNotFound) {
			m.logger.Warn().Str("request_id", req.ID).Str("lease", req.LeaseRef).Msg("lease record missing; nothing to revoke")
			return nil
		}
		if err != nil {
			return err
		}
		if lease.RevokedAt != nil {
			return nil
		}
		if err := m.credentials.Revoke(ctx, lease); err != nil {
			return err
		}
		return m.store.MarkLeaseRevoked(ctx, lease.ID, m.now())
	case req.Assignment != nil:
		if m.cloud == nil {
			return errNoCloudProvisioner
		}
		return m.cloud.Revoke(ctx, req.Assignment)
	}
	return nil
}

func actionName(status string) string {
	if status == model.StatusExpired {
		return "expire"
	}
	return "revoke"
}
