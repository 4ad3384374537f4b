// Package lifecycle owns the access request state machine: submission,
// approval quorum, provisioning, revocation and expiry.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/jitaccess/internal/audit"
	"github.com/edvin/jitaccess/internal/broker"
	"github.com/edvin/jitaccess/internal/lock"
	"github.com/edvin/jitaccess/internal/metrics"
	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/platform"
	"github.com/edvin/jitaccess/internal/policy"
	"github.com/edvin/jitaccess/internal/store"
)

// CredentialIssuer mints, inspects and revokes database credentials.
type CredentialIssuer interface {
	IssueDatabaseCredential(ctx context.Context, req broker.IssueRequest) (*broker.Credential, error)
	LeaseTTL(ctx context.Context, leaseID string) (time.Duration, error)
	Revoke(ctx context.Context, lease *model.CredentialLease) error
}

// CloudProvisioner creates and removes cloud account and instance access.
type CloudProvisioner interface {
	Grant(ctx context.Context, req *model.AccessRequest) (*model.CloudAssignment, error)
	Revoke(ctx context.Context, a *model.CloudAssignment) error
}

// Manager serializes every mutation of a request through a per-ID lock and
// guards each status change with a compare-and-set in the store.
type Manager struct {
	store       store.Store
	validator   *policy.Validator
	locks       lock.Locker
	audit       *audit.Writer
	credentials CredentialIssuer
	cloud       CloudProvisioner
	logger      zerolog.Logger
	now         func() time.Time
}

// NewManager wires the manager. credentials or cloud may be nil when that
// kind of target is not configured; grants for it then fail.
func NewManager(st store.Store, validator *policy.Validator, locks lock.Locker, auditor *audit.Writer, credentials CredentialIssuer, cloud CloudProvisioner, logger zerolog.Logger) *Manager {
	return &Manager{
		store:       st,
		validator:   validator,
		locks:       locks,
		audit:       auditor,
		credentials: credentials,
		cloud:       cloud,
		logger:      logger.With().Str("component", "lifecycle").Logger(),
		now:         time.Now,
	}
}

// Submission is a new access request as received from the requester.
type Submission struct {
	Requester     string
	Target        model.Target
	Permissions   model.PermissionSet
	Justification string
	DurationHours int
	Environment   string
}

// Change replaces the mutable parts of a request awaiting approval.
type Change struct {
	Permissions   model.PermissionSet
	Justification string
	DurationHours int
	Environment   string
}

func (m *Manager) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := m.locks.Lock(ctx, "request:"+id)
	if err != nil {
		return nil, fmt.Errorf("lock request %s: %w", id, err)
	}
	return unlock, nil
}

// Submit validates s and stores it as pending. A rejected submission is
// stored as denied with its violation record, and both the record and the
// *model.PolicyViolation or *model.SecurityAlert are returned.
func (m *Manager) Submit(ctx context.Context, s Submission) (*model.AccessRequest, error) {
	if s.Requester == "" {
		return nil, &model.PolicyViolation{Rule: "requester", Message: "requester identity is required"}
	}
	if err := s.Target.Validate(); err != nil {
		return nil, &model.PolicyViolation{Rule: "target", Message: err.Error()}
	}
	if err := s.Permissions.ValidateFor(s.Target); err != nil {
		return nil, &model.PolicyViolation{Rule: "permission_set", Message: err.Error()}
	}

	now := m.now()
	req := &model.AccessRequest{
		ID:            platform.NewID(),
		Requester:     s.Requester,
		Target:        s.Target,
		Permissions:   s.Permissions,
		Justification: s.Justification,
		DurationHours: s.DurationHours,
		Environment:   s.Environment,
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	if env, err := model.ParseEnvironment(s.Environment); err == nil {
		req.Environment = env
	}

	sanitized, err := m.validator.Validate(ctx, policy.Candidate{
		Permissions:   s.Permissions,
		Environment:   s.Environment,
		DurationHours: s.DurationHours,
		FreeText:      s.Justification,
	})
	if err != nil {
		record, ok := m.rejection(ctx, req, err)
		if !ok {
			return nil, fmt.Errorf("validate request: %w", err)
		}
		req.Status = model.StatusDenied
		req.DeniedAt = &now
		req.Violation = record
		if cerr := m.store.CreateRequest(ctx, req); cerr != nil {
			return nil, fmt.Errorf("store denied request: %w", cerr)
		}
		m.transition("", model.StatusDenied)
		return req, err
	}

	metrics.PolicyDecisions.WithLabelValues("allowed").Inc()
	req.Permissions = sanitized
	req.Status = model.StatusPending
	req.RequiredApprovals = policy.RequiredApprovals(sanitized, req.Environment)
	if err := m.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("store request: %w", err)
	}
	m.transition("", model.StatusPending)
	m.audit.Event(ctx, req.Requester, req.ID, "submit", "requires "+strings.Join(req.RequiredApprovals, ","))

	m.logger.Info().
		Str("request_id", req.ID).
		Str("requester", req.Requester).
		Str("environment", req.Environment).
		Strs("required_approvals", req.RequiredApprovals).
		Msg("access request submitted")
	return req, nil
}

// rejection audits a validator error and converts it into a violation
// record. ok is false when err is not a rule failure.
func (m *Manager) rejection(ctx context.Context, req *model.AccessRequest, err error) (*model.ViolationRecord, bool) {
	var (
		violation *model.PolicyViolation
		alert     *model.SecurityAlert
	)
	switch {
	case errors.As(err, &alert):
		metrics.PolicyDecisions.WithLabelValues("security_alert").Inc()
		m.audit.SecurityAlert(ctx, req.Requester, req.ID, alert)
		return alert.Record(), true
	case errors.As(err, &violation):
		metrics.PolicyDecisions.WithLabelValues("violation").Inc()
		_ = m.audit.Record(ctx, &model.AuditLogEntry{
			Actor:     req.Requester,
			RequestID: req.ID,
			Action:    "policy_violation",
			Allowed:   false,
			Error:     violation.Error(),
			Detail:    violation.Rule,
		})
		return violation.Record(), true
	}
	return nil, false
}

// Approve records one approval. When the set of approving roles covers the
// required roles the request is approved and provisioned, exactly once.
// Until then the result status is partial_approval with the missing roles.
func (m *Manager) Approve(ctx context.Context, id, role, approver string) (*model.ApprovalResult, error) {
	role = strings.ToLower(strings.TrimSpace(role))

	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.IsAwaitingApproval(req.Status) {
		return nil, fmt.Errorf("approve request %s in status %s: %w", id, req.Status, model.ErrInvalidTransition)
	}
	if !slices.Contains(req.RequiredApprovals, role) {
		return nil, fmt.Errorf("role %s is not required for request %s: %w", role, id, model.ErrForbidden)
	}
	if role == model.RoleSelf && approver != req.Requester {
		return nil, fmt.Errorf("self approval of %s must come from the requester: %w", id, model.ErrForbidden)
	}
	if role != model.RoleSelf && approver == req.Requester {
		return nil, fmt.Errorf("requester cannot approve %s as %s: %w", id, role, model.ErrForbidden)
	}

	from := req.Status
	result := &model.ApprovalResult{Request: req}
	err = m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.AddApproval(ctx, model.Approval{
			RequestID: id,
			Role:      role,
			Approver:  approver,
			CreatedAt: m.now(),
		}); err != nil {
			return err
		}
		approvals, err := tx.ListApprovals(ctx, id)
		if err != nil {
			return err
		}

		to := model.StatusApproved
		if missing := model.MissingRoles(req.RequiredApprovals, approvals); len(missing) > 0 {
			result.PendingRoles = missing
			to = model.StatusPendingApproval
		}
		if to != from {
			if err := tx.CompareAndSetStatus(ctx, id, from, to); err != nil {
				return err
			}
			req.Status = to
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record approval for %s: %w", id, err)
	}
	if req.Status != from {
		m.transition(from, req.Status)
	}
	m.audit.Event(ctx, approver, id, "approve", role)

	if req.Status != model.StatusApproved {
		result.Status = model.StatusPartialApproval
		return result, nil
	}

	m.logger.Info().Str("request_id", id).Msg("approval quorum reached")
	grant, err := m.grant(ctx, req)
	result.Status = req.Status
	result.Grant = grant
	return result, err
}

// Grant provisions a request left in approved, for example after a crash
// between quorum and provisioning.
func (m *Manager) Grant(ctx context.Context, id string) (*model.GrantResult, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != model.StatusApproved {
		return nil, fmt.Errorf("grant request %s in status %s: %w", id, req.Status, model.ErrInvalidTransition)
	}
	return m.grant(ctx, req)
}

// Deny rejects a request that is still collecting approvals.
func (m *Manager) Deny(ctx context.Context, id, actor, reason string) (*model.AccessRequest, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.IsAwaitingApproval(req.Status) {
		return nil, fmt.Errorf("deny request %s in status %s: %w", id, req.Status, model.ErrInvalidTransition)
	}

	from := req.Status
	now := m.now()
	err = m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.CompareAndSetStatus(ctx, id, from, model.StatusDenied); err != nil {
			return err
		}
		req.Status = model.StatusDenied
		req.DeniedAt = &now
		req.ModifiedAt = now
		req.Violation = &model.ViolationRecord{Kind: model.ViolationDenied, Message: reason}
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("deny request %s: %w", id, err)
	}
	m.transition(from, model.StatusDenied)
	m.audit.Event(ctx, actor, id, "deny", reason)
	return req, nil
}

// Modify applies a change to a request awaiting approval. Every change
// clears the approvals collected so far and returns the request to pending.
// A change that fails validation leaves the request untouched.
func (m *Manager) Modify(ctx context.Context, id, actor string, c Change) (*model.AccessRequest, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != req.Requester {
		return nil, fmt.Errorf("only the requester may modify %s: %w", id, model.ErrForbidden)
	}
	if !model.IsAwaitingApproval(req.Status) {
		return nil, fmt.Errorf("modify request %s in status %s: %w", id, req.Status, model.ErrInvalidTransition)
	}
	if err := c.Permissions.ValidateFor(req.Target); err != nil {
		return nil, &model.PolicyViolation{Rule: "permission_set", Message: err.Error()}
	}

	sanitized, err := m.validator.Validate(ctx, policy.Candidate{
		Permissions:   c.Permissions,
		Environment:   c.Environment,
		DurationHours: c.DurationHours,
		FreeText:      c.Justification,
	})
	if err != nil {
		if _, ok := m.rejection(ctx, req, err); !ok {
			return nil, fmt.Errorf("validate change: %w", err)
		}
		return nil, err
	}
	metrics.PolicyDecisions.WithLabelValues("allowed").Inc()
	env, _ := model.ParseEnvironment(c.Environment)

	from := req.Status
	err = m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.ClearApprovals(ctx, id); err != nil {
			return err
		}
		if from != model.StatusPending {
			if err := tx.CompareAndSetStatus(ctx, id, from, model.StatusPending); err != nil {
				return err
			}
		}
		req.Status = model.StatusPending
		req.Permissions = sanitized
		req.Justification = c.Justification
		req.DurationHours = c.DurationHours
		req.Environment = env
		req.RequiredApprovals = policy.RequiredApprovals(sanitized, env)
		req.ModifiedAt = m.now()
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("modify request %s: %w", id, err)
	}
	if from != model.StatusPending {
		m.transition(from, model.StatusPending)
	}
	m.audit.Event(ctx, actor, id, "modify", "approvals cleared")
	return req, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*model.AccessRequest, error) {
	return m.store.GetRequest(ctx, id)
}

func (m *Manager) List(ctx context.Context, f model.RequestFilter) ([]model.AccessRequest, error) {
	return m.store.ListRequests(ctx, f)
}

func (m *Manager) Approvals(ctx context.Context, id string) ([]model.Approval, error) {
	if _, err := m.store.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListApprovals(ctx, id)
}

func (m *Manager) transition(from, to string) {
	metrics.RequestTransitions.WithLabelValues(from, to).Inc()
}
