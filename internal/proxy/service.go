// Package proxy implements the Access Execution Proxy: the only component
// that opens connections to target databases. Every statement is classified
// here, regardless of what the caller claims, and audited before it runs.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/jitaccess/internal/metrics"
	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/sqlguard"
)

// Auditor persists audit entries. A failed write must stop the statement.
type Auditor interface {
	Record(ctx context.Context, e *model.AuditLogEntry) error
}

// RequestSource loads the access request a statement runs under.
type RequestSource interface {
	GetRequest(ctx context.Context, id string) (*model.AccessRequest, error)
}

// StatementRunner executes one classified statement.
type StatementRunner interface {
	Execute(ctx context.Context, c ConnParams, statement, verb, tier string) (*Result, error)
}

// Statement is one proxied call.
type Statement struct {
	Conn      ConnParams
	Query     string
	Tier      string
	Actor     string
	RequestID string
	ExpiresAt *time.Time
}

// ExecutionError wraps a failure raised by the target database.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return "database error: " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type Service struct {
	runner   StatementRunner
	audit    Auditor
	requests RequestSource
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(runner StatementRunner, audit Auditor, requests RequestSource, logger zerolog.Logger) *Service {
	return &Service{
		runner:   runner,
		audit:    audit,
		requests: requests,
		logger:   logger.With().Str("component", "sql-proxy").Logger(),
		now:      time.Now,
	}
}

// Execute checks the recorded request, classifies the statement under its
// tier and audits the attempt before any connection is opened. Blocked
// statements return *sqlguard.Rejection or *model.AccessExpired.
func (s *Service) Execute(ctx context.Context, st Statement) (*Result, error) {
	tier, err := s.authorize(ctx, st)
	if err != nil {
		return nil, s.block(ctx, st, tier, err)
	}

	if err := sqlguard.Check(st.Query, tier); err != nil {
		var rej *sqlguard.Rejection
		if errors.As(err, &rej) && rej.Tier == "" {
			rej.Tier = tier
		}
		return nil, s.block(ctx, st, tier, err)
	}

	verb := sqlguard.Classify(st.Query)
	if err := s.audit.Record(ctx, &model.AuditLogEntry{
		Actor:     st.Actor,
		RequestID: st.RequestID,
		Tier:      tier,
		Action:    "execute " + verb,
		Allowed:   true,
		Detail:    st.Query,
	}); err != nil {
		metrics.ProxyStatements.WithLabelValues(tier, "audit_failed").Inc()
		return nil, fmt.Errorf("audit statement: %w", err)
	}

	start := s.now()
	res, err := s.runner.Execute(ctx, st.Conn, st.Query, verb, tier)
	engine := st.Conn.Engine
	if engine == "" {
		engine = model.EngineMySQL
	}
	metrics.ProxyStatementDuration.WithLabelValues(engine).Observe(time.Since(start).Seconds())

	result := &model.AuditLogEntry{
		Actor:     st.Actor,
		RequestID: st.RequestID,
		Tier:      tier,
		Action:    "result " + verb,
		Allowed:   true,
	}
	if err != nil {
		result.Error = err.Error()
	} else {
		n := res.Count()
		result.Rows = &n
	}
	_ = s.audit.Record(ctx, result)

	if err != nil {
		metrics.ProxyStatements.WithLabelValues(tier, "error").Inc()
		s.logger.Warn().Err(err).
			Str("request_id", st.RequestID).
			Str("actor", st.Actor).
			Str("verb", verb).
			Msg("statement failed")
		return nil, &ExecutionError{Err: err}
	}
	metrics.ProxyStatements.WithLabelValues(tier, "allowed").Inc()
	return res, nil
}

// authorize resolves the tier to enforce from the stored request. A tier or
// expiry supplied by the caller can only narrow what the request grants.
func (s *Service) authorize(ctx context.Context, st Statement) (string, error) {
	var claimed string
	if st.Tier != "" {
		t, err := model.ParseSQLTier(st.Tier)
		if err != nil {
			return st.Tier, &sqlguard.Rejection{Tier: st.Tier, Reason: err.Error()}
		}
		claimed = t
	}

	if st.RequestID == "" {
		return claimed, &sqlguard.Rejection{Tier: claimed, Reason: "request_id is required"}
	}
	req, err := s.requests.GetRequest(ctx, st.RequestID)
	if errors.Is(err, model.ErrNotFound) {
		return claimed, &sqlguard.Rejection{Tier: claimed, Reason: "unknown access request"}
	}
	if err != nil {
		return claimed, fmt.Errorf("load access request: %w", err)
	}

	if req.Permissions.Kind != model.PermissionKindSQL || req.Permissions.SQL == nil {
		return claimed, &sqlguard.Rejection{Tier: claimed, Reason: "access request does not grant database access"}
	}
	if !strings.EqualFold(req.Requester, st.Actor) {
		return claimed, &sqlguard.Rejection{Tier: claimed, Reason: "actor is not the requester of this access request"}
	}

	tier, err := model.ParseSQLTier(req.Permissions.SQL.Tier)
	if err != nil {
		return claimed, &sqlguard.Rejection{Tier: req.Permissions.SQL.Tier, Reason: err.Error()}
	}
	if claimed != "" {
		tier = model.StricterTier(tier, claimed)
	}

	switch req.Status {
	case model.StatusGranted:
	case model.StatusExpired, model.StatusRevoked:
		return tier, &model.AccessExpired{RequestID: req.ID, ExpiredAt: endedAt(req, s.now())}
	default:
		return tier, &sqlguard.Rejection{Tier: tier, Reason: fmt.Sprintf("access request is %s, not granted", req.Status)}
	}

	expires := req.ExpiresAt
	if st.ExpiresAt != nil && (expires == nil || st.ExpiresAt.Before(*expires)) {
		expires = st.ExpiresAt
	}
	if expires == nil {
		return tier, &model.AccessExpired{RequestID: req.ID, ExpiredAt: s.now()}
	}
	if !expires.After(s.now()) {
		return tier, &model.AccessExpired{RequestID: req.ID, ExpiredAt: *expires}
	}
	return tier, nil
}

func endedAt(req *model.AccessRequest, now time.Time) time.Time {
	switch {
	case req.ExpiredAt != nil:
		return *req.ExpiredAt
	case req.RevokedAt != nil:
		return *req.RevokedAt
	case req.ExpiresAt != nil:
		return *req.ExpiresAt
	}
	return now
}

func (s *Service) block(ctx context.Context, st Statement, tier string, reason error) error {
	metrics.ProxyStatements.WithLabelValues(tierLabel(tier), "blocked").Inc()

	var rej *sqlguard.Rejection
	ev := s.logger.Info()
	if errors.As(reason, &rej) && rej.Verb == "" {
		ev = s.logger.Warn()
	}
	ev.Str("request_id", st.RequestID).
		Str("actor", st.Actor).
		Str("tier", tier).
		Str("reason", reason.Error()).
		Msg("statement blocked")

	if err := s.audit.Record(ctx, &model.AuditLogEntry{
		Actor:     st.Actor,
		RequestID: st.RequestID,
		Tier:      tier,
		Action:    "execute " + sqlguard.Classify(st.Query),
		Allowed:   false,
		Error:     reason.Error(),
		Detail:    st.Query,
	}); err != nil {
		s.logger.Error().Err(err).Str("request_id", st.RequestID).Msg("blocked statement not audited")
	}
	return reason
}

func tierLabel(tier string) string {
	if tier == "" {
		return "unknown"
	}
	if _, err := model.ParseSQLTier(tier); err != nil {
		return "invalid"
	}
	return tier
}
