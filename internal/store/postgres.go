package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/jitaccess/internal/model"
)

// DB is the subset of pgxpool.Pool and pgx.Tx used by Postgres.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production Store backed by the core database.
type Postgres struct {
	db DB
	tx bool
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx {
		return fn(s)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Postgres{db: tx, tx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const requestColumns = `id, requester, target, permissions, justification, duration_hours, environment,
	status, violation, required_approvals, lease_ref, assignment, failure_reason,
	created_at, modified_at, granted_at, expires_at, expired_at, revoked_at, denied_at`

func scanRequest(row pgx.Row) (*model.AccessRequest, error) {
	var r model.AccessRequest
	err := row.Scan(&r.ID, &r.Requester, &r.Target, &r.Permissions, &r.Justification, &r.DurationHours, &r.Environment,
		&r.Status, &r.Violation, &r.RequiredApprovals, &r.LeaseRef, &r.Assignment, &r.FailureReason,
		&r.CreatedAt, &r.ModifiedAt, &r.GrantedAt, &r.ExpiresAt, &r.ExpiredAt, &r.RevokedAt, &r.DeniedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Postgres) CreateRequest(ctx context.Context, r *model.AccessRequest) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO access_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		r.ID, r.Requester, r.Target, r.Permissions, r.Justification, r.DurationHours, r.Environment,
		r.Status, r.Violation, r.RequiredApprovals, r.LeaseRef, r.Assignment, r.FailureReason,
		r.CreatedAt, r.ModifiedAt, r.GrantedAt, r.ExpiresAt, r.ExpiredAt, r.RevokedAt, r.DeniedAt,
	)
	if err != nil {
		return fmt.Errorf("insert access request: %w", err)
	}
	return nil
}

func (s *Postgres) GetRequest(ctx context.Context, id string) (*model.AccessRequest, error) {
	r, err := scanRequest(s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM access_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get access request %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get access request %s: %w", id, err)
	}
	return r, nil
}

func (s *Postgres) UpdateRequest(ctx context.Context, r *model.AccessRequest) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE access_requests SET
			target = $2, permissions = $3, justification = $4, duration_hours = $5, environment = $6,
			status = $7, violation = $8, required_approvals = $9, lease_ref = $10, assignment = $11,
			failure_reason = $12, modified_at = $13, granted_at = $14, expires_at = $15, expired_at = $16,
			revoked_at = $17, denied_at = $18
		 WHERE id = $1`,
		r.ID, r.Target, r.Permissions, r.Justification, r.DurationHours, r.Environment,
		r.Status, r.Violation, r.RequiredApprovals, r.LeaseRef, r.Assignment,
		r.FailureReason, r.ModifiedAt, r.GrantedAt, r.ExpiresAt, r.ExpiredAt,
		r.RevokedAt, r.DeniedAt,
	)
	if err != nil {
		return fmt.Errorf("update access request %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update access request %s: %w", r.ID, model.ErrNotFound)
	}
	return nil
}

func (s *Postgres) CompareAndSetStatus(ctx context.Context, id, from, to string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE access_requests SET status = $3, modified_at = now() WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return fmt.Errorf("set access request %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set access request %s status from %s: %w", id, from, model.ErrConflict)
	}
	return nil
}

func (s *Postgres) ListRequests(ctx context.Context, f model.RequestFilter) ([]model.AccessRequest, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+requestColumns+` FROM access_requests
		 WHERE ($1 = '' OR status = $1) AND ($2 = '' OR requester = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		f.Status, f.Requester, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list access requests: %w", err)
	}
	return collectRequests(rows)
}

func (s *Postgres) ListExpiredGrants(ctx context.Context, now time.Time) ([]model.AccessRequest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+requestColumns+` FROM access_requests
		 WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at`,
		model.StatusGranted, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired grants: %w", err)
	}
	return collectRequests(rows)
}

func collectRequests(rows pgx.Rows) ([]model.AccessRequest, error) {
	defer rows.Close()
	var out []model.AccessRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access request: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access requests: %w", err)
	}
	return out, nil
}

func (s *Postgres) AddApproval(ctx context.Context, a model.Approval) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO approvals (request_id, role, approver, created_at) VALUES ($1, $2, $3, $4)`,
		a.RequestID, a.Role, a.Approver, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval for %s: %w", a.RequestID, err)
	}
	return nil
}

func (s *Postgres) ListApprovals(ctx context.Context, requestID string) ([]model.Approval, error) {
	rows, err := s.db.Query(ctx,
		`SELECT request_id, role, approver, created_at FROM approvals WHERE request_id = $1 ORDER BY id`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("list approvals for %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []model.Approval
	for rows.Next() {
		var a model.Approval
		if err := rows.Scan(&a.RequestID, &a.Role, &a.Approver, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}

func (s *Postgres) ClearApprovals(ctx context.Context, requestID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM approvals WHERE request_id = $1`, requestID); err != nil {
		return fmt.Errorf("clear approvals for %s: %w", requestID, err)
	}
	return nil
}

func (s *Postgres) SaveLease(ctx context.Context, l *model.CredentialLease) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO credential_leases (id, request_id, mount, role_name, principal, lease_id, engine, auth_mode, expires_at, created_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET lease_id = EXCLUDED.lease_id, principal = EXCLUDED.principal,
		 	expires_at = EXCLUDED.expires_at, revoked_at = EXCLUDED.revoked_at`,
		l.ID, l.RequestID, l.Mount, l.RoleName, l.Principal, l.LeaseID, l.Engine, l.AuthMode, l.ExpiresAt, l.CreatedAt, l.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("save credential lease %s: %w", l.ID, err)
	}
	return nil
}

func (s *Postgres) GetLease(ctx context.Context, id string) (*model.CredentialLease, error) {
	var l model.CredentialLease
	err := s.db.QueryRow(ctx,
		`SELECT id, request_id, mount, role_name, principal, lease_id, engine, auth_mode, expires_at, created_at, revoked_at
		 FROM credential_leases WHERE id = $1`, id,
	).Scan(&l.ID, &l.RequestID, &l.Mount, &l.RoleName, &l.Principal, &l.LeaseID, &l.Engine, &l.AuthMode, &l.ExpiresAt, &l.CreatedAt, &l.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get credential lease %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential lease %s: %w", id, err)
	}
	return &l, nil
}

func (s *Postgres) MarkLeaseRevoked(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE credential_leases SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, at,
	)
	if err != nil {
		return fmt.Errorf("revoke credential lease %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke credential lease %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Postgres) AppendAudit(ctx context.Context, e *model.AuditLogEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO audit_log (id, created_at, actor, request_id, tier, action, allowed, row_count, error, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Timestamp, e.Actor, e.RequestID, e.Tier, e.Action, e.Allowed, e.Rows, e.Error, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Postgres) ListAudit(ctx context.Context, requestID string, limit int) ([]model.AuditLogEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, created_at, actor, request_id, tier, action, allowed, row_count, error, detail
		 FROM audit_log WHERE ($1 = '' OR request_id = $1) ORDER BY created_at DESC LIMIT $2`,
		requestID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.RequestID, &e.Tier, &e.Action, &e.Allowed, &e.Rows, &e.Error, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func (s *Postgres) GetPolicyConfig(ctx context.Context) (*model.PolicyConfig, error) {
	var (
		raw []byte
		cfg model.PolicyConfig
	)
	err := s.db.QueryRow(ctx,
		`SELECT version, config, updated_by, updated_at FROM policy_config ORDER BY version DESC LIMIT 1`,
	).Scan(&cfg.Version, &raw, &cfg.UpdatedBy, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get policy config: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy config: %w", err)
	}

	version, updatedBy, updatedAt := cfg.Version, cfg.UpdatedBy, cfg.UpdatedAt
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode policy config v%d: %w", version, err)
	}
	cfg.Version, cfg.UpdatedBy, cfg.UpdatedAt = version, updatedBy, updatedAt
	return &cfg, nil
}

// PutPolicyConfig inserts the next version. The primary key on version
// rejects a concurrent writer that read the same expected version.
func (s *Postgres) PutPolicyConfig(ctx context.Context, cfg *model.PolicyConfig, expectedVersion int64) (*model.PolicyConfig, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode policy config: %w", err)
	}

	next := *cfg
	next.Version = expectedVersion + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now()
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO policy_config (version, config, updated_by, updated_at)
		 SELECT $1, $2, $3, $4
		 WHERE COALESCE((SELECT max(version) FROM policy_config), 0) = $5
		 ON CONFLICT (version) DO NOTHING`,
		next.Version, raw, next.UpdatedBy, next.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("insert policy config v%d: %w", next.Version, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("put policy config version %d: %w", expectedVersion, model.ErrConflict)
	}
	return &next, nil
}
