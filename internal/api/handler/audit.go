package handler

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	mw "github.com/edvin/jitaccess/internal/api/middleware"
	"github.com/edvin/jitaccess/internal/api/request"
	"github.com/edvin/jitaccess/internal/api/response"
	"github.com/edvin/jitaccess/internal/model"
)

// AuditLister reads the audit trail, newest first.
type AuditLister interface {
	ListAudit(ctx context.Context, requestID string, limit int) ([]model.AuditLogEntry, error)
}

type Audit struct {
	store  AuditLister
	logger zerolog.Logger
}

func NewAudit(store AuditLister, logger zerolog.Logger) *Audit {
	return &Audit{store: store, logger: logger}
}

// List returns audit entries, optionally for a single request. Only the
// security role and admin callers may read the trail.
func (h *Audit) List(w http.ResponseWriter, r *http.Request) {
	identity := mw.GetIdentity(r.Context())
	if !mw.HasRole(identity, model.RoleSecurity) && (identity == nil || !identity.Admin) {
		response.WriteError(w, http.StatusForbidden, "insufficient role")
		return
	}

	requestID := r.URL.Query().Get("request_id")
	entries, err := h.store.ListAudit(r.Context(), requestID, request.ParseLimit(r))
	if err != nil {
		writeDomainError(w, h.logger, err, requestID)
		return
	}
	response.WriteList(w, entries)
}
