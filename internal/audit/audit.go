// Package audit writes the append-only audit trail for access requests and
// proxied statements.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/platform"
)

// Appender is the part of the store the audit trail needs.
type Appender interface {
	AppendAudit(ctx context.Context, e *model.AuditLogEntry) error
}

// Writer records audit entries synchronously. Callers that must audit before
// acting treat a Record error as fatal for the action.
type Writer struct {
	store  Appender
	logger zerolog.Logger
	now    func() time.Time
}

func NewWriter(store Appender, logger zerolog.Logger) *Writer {
	return &Writer{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Record assigns an ID and timestamp when missing and persists e.
func (w *Writer) Record(ctx context.Context, e *model.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = platform.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now()
	}
	if err := w.store.AppendAudit(ctx, e); err != nil {
		w.logger.Error().Err(err).
			Str("request_id", e.RequestID).
			Str("action", e.Action).
			Msg("failed to write audit entry")
		return fmt.Errorf("write audit entry: %w", err)
	}

	ev := w.logger.Info()
	if !e.Allowed {
		ev = w.logger.Warn()
	}
	ev.Str("audit_id", e.ID).
		Str("actor", e.Actor).
		Str("request_id", e.RequestID).
		Str("tier", e.Tier).
		Bool("allowed", e.Allowed).
		Msg("audit")
	return nil
}

// Event records a lifecycle event such as a status change. Failures are
// logged and not returned.
func (w *Writer) Event(ctx context.Context, actor, requestID, action, detail string) {
	_ = w.Record(ctx, &model.AuditLogEntry{
		Actor:     actor,
		RequestID: requestID,
		Action:    action,
		Allowed:   true,
		Detail:    detail,
	})
}

// SecurityAlert logs a suspected injection or escalation attempt for
// security review and records it in the audit trail.
func (w *Writer) SecurityAlert(ctx context.Context, actor, requestID string, alert *model.SecurityAlert) {
	w.logger.Warn().
		Str("alert", "security").
		Str("actor", actor).
		Str("request_id", requestID).
		Str("pattern", alert.Pattern).
		Msg(alert.Message)

	_ = w.Record(ctx, &model.AuditLogEntry{
		Actor:     actor,
		RequestID: requestID,
		Action:    "security_alert",
		Allowed:   false,
		Error:     alert.Message,
	})
}
