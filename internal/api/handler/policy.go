package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	mw "github.com/edvin/jitaccess/internal/api/middleware"
	"github.com/edvin/jitaccess/internal/api/request"
	"github.com/edvin/jitaccess/internal/api/response"
	"github.com/edvin/jitaccess/internal/audit"
	"github.com/edvin/jitaccess/internal/model"
)

// PolicyStore holds the versioned policy configuration.
type PolicyStore interface {
	GetPolicyConfig(ctx context.Context) (*model.PolicyConfig, error)
	PutPolicyConfig(ctx context.Context, cfg *model.PolicyConfig, expectedVersion int64) (*model.PolicyConfig, error)
}

type Policy struct {
	store  PolicyStore
	audit  *audit.Writer
	logger zerolog.Logger
}

func NewPolicy(store PolicyStore, auditor *audit.Writer, logger zerolog.Logger) *Policy {
	return &Policy{store: store, audit: auditor, logger: logger}
}

func (h *Policy) Get(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetPolicyConfig(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, err, "")
		return
	}
	response.WriteJSON(w, http.StatusOK, cfg)
}

// Update replaces the policy configuration. The change applies to the next
// validation call. A stale expected_version is a 409.
func (h *Policy) Update(w http.ResponseWriter, r *http.Request) {
	var body request.UpdatePolicy
	if err := request.Decode(r, &body); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor := mw.Subject(r.Context())
	if actor == "" {
		actor = "admin"
	}
	next := body.Config(actor)
	if len(next.Contacts) == 0 {
		current, err := h.store.GetPolicyConfig(r.Context())
		if err != nil {
			writeDomainError(w, h.logger, err, "")
			return
		}
		next.Contacts = current.Contacts
	}

	saved, err := h.store.PutPolicyConfig(r.Context(), next, body.ExpectedVersion)
	if err != nil {
		writeDomainError(w, h.logger, err, "")
		return
	}

	h.audit.Event(r.Context(), actor, "", "policy_update", fmt.Sprintf("version %d", saved.Version))
	h.logger.Info().Str("actor", actor).Int64("version", saved.Version).Msg("policy configuration updated")
	response.WriteJSON(w, http.StatusOK, saved)
}
