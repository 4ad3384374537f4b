package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	mw "github.com/edvin/jitaccess/internal/api/middleware"
	"github.com/edvin/jitaccess/internal/api/request"
	"github.com/edvin/jitaccess/internal/api/response"
	"github.com/edvin/jitaccess/internal/lifecycle"
	"github.com/edvin/jitaccess/internal/model"
)

// RequestService is the lifecycle surface the request handlers drive.
type RequestService interface {
	Submit(ctx context.Context, s lifecycle.Submission) (*model.AccessRequest, error)
	Get(ctx context.Context, id string) (*model.AccessRequest, error)
	List(ctx context.Context, f model.RequestFilter) ([]model.AccessRequest, error)
	Modify(ctx context.Context, id, actor string, c lifecycle.Change) (*model.AccessRequest, error)
	Approve(ctx context.Context, id, role, approver string) (*model.ApprovalResult, error)
	Approvals(ctx context.Context, id string) ([]model.Approval, error)
	Deny(ctx context.Context, id, actor, reason string) (*model.AccessRequest, error)
	Revoke(ctx context.Context, id, actor, reason string) (*model.AccessRequest, error)
	Lease(ctx context.Context, id string) (*model.LeaseStatus, error)
}

type AccessRequest struct {
	svc    RequestService
	logger zerolog.Logger
}

func NewAccessRequest(svc RequestService, logger zerolog.Logger) *AccessRequest {
	return &AccessRequest{svc: svc, logger: logger.With().Str("component", "api").Logger()}
}

// isApprover reports whether the caller may see and act on other people's
// requests.
func isApprover(identity *mw.Identity) bool {
	return mw.HasRole(identity, model.RoleManager) || mw.HasRole(identity, model.RoleSecurity)
}

func (h *AccessRequest) Submit(w http.ResponseWriter, r *http.Request) {
	var req request.SubmitAccessRequest
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.svc.Submit(r.Context(), lifecycle.Submission{
		Requester:     mw.Subject(r.Context()),
		Target:        req.Target,
		Permissions:   req.Permissions,
		Justification: req.Justification,
		DurationHours: req.DurationHours,
		Environment:   req.Environment,
	})
	if err != nil {
		id := ""
		if created != nil {
			id = created.ID
		}
		writeDomainError(w, h.logger, err, id)
		return
	}

	response.WriteJSON(w, http.StatusCreated, created)
}

func (h *AccessRequest) List(w http.ResponseWriter, r *http.Request) {
	filter := request.ParseRequestFilter(r)
	identity := mw.GetIdentity(r.Context())
	if !isApprover(identity) {
		filter.Requester = mw.Subject(r.Context())
	}

	reqs, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, h.logger, err, "")
		return
	}
	response.WriteList(w, reqs)
}

// load fetches the request named in the URL and checks the caller may see
// it. It writes the error response and returns nil on failure.
func (h *AccessRequest) load(w http.ResponseWriter, r *http.Request) *model.AccessRequest {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	req, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err, id)
		return nil
	}
	if req.Requester != mw.Subject(r.Context()) && !isApprover(mw.GetIdentity(r.Context())) {
		writeDomainError(w, h.logger, model.ErrNotFound, id)
		return nil
	}
	return req
}

func (h *AccessRequest) Get(w http.ResponseWriter, r *http.Request) {
	req := h.load(w, r)
	if req == nil {
		return
	}
	response.WriteJSON(w, http.StatusOK, req)
}

func (h *AccessRequest) Modify(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body request.ModifyAccessRequest
	if err := request.Decode(r, &body); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := h.svc.Modify(r.Context(), id, mw.Subject(r.Context()), lifecycle.Change{
		Permissions:   body.Permissions,
		Justification: body.Justification,
		DurationHours: body.DurationHours,
		Environment:   body.Environment,
	})
	if err != nil {
		writeDomainError(w, h.logger, err, id)
		return
	}
	response.WriteJSON(w, http.StatusOK, req)
}

// Approve records an approval. The response is 200 once access is granted
// and 202 while other roles are still missing.
func (h *AccessRequest) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body request.Approve
	if err := request.Decode(r, &body); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Role != model.RoleSelf && !mw.HasRole(mw.GetIdentity(r.Context()), body.Role) {
		response.WriteError(w, http.StatusForbidden, "caller does not hold role "+body.Role)
		return
	}

	res, err := h.svc.Approve(r.Context(), id, body.Role, mw.Subject(r.Context()))
	if err != nil {
		writeDomainError(w, h.logger, err, id)
		return
	}

	status := http.StatusOK
	if res.Status == model.StatusPartialApproval {
		status = http.StatusAccepted
	}
	response.WriteJSON(w, status, res)
}

func (h *AccessRequest) Approvals(w http.ResponseWriter, r *http.Request) {
	req := h.load(w, r)
	if req == nil {
		return
	}
	approvals, err := h.svc.Approvals(r.Context(), req.ID)
	if err != nil {
		writeDomainError(w, h.logger, err, req.ID)
		return
	}
	if approvals == nil {
		approvals = []model.Approval{}
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{
		"items":   approvals,
		"pending": model.MissingRoles(req.RequiredApprovals, approvals),
	})
}

// Lease reports whether the database credential behind a grant is still live
// at the secrets authority.
func (h *AccessRequest) Lease(w http.ResponseWriter, r *http.Request) {
	req := h.load(w, r)
	if req == nil {
		return
	}
	status, err := h.svc.Lease(r.Context(), req.ID)
	if err != nil {
		writeDomainError(w, h.logger, err, req.ID)
		return
	}
	response.WriteJSON(w, http.StatusOK, status)
}

func (h *AccessRequest) Deny(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body request.Deny
	if err := request.DecodeOptional(r, &body); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !isApprover(mw.GetIdentity(r.Context())) {
		response.WriteError(w, http.StatusForbidden, "insufficient role")
		return
	}

	req, err := h.svc.Deny(r.Context(), id, mw.Subject(r.Context()), body.Reason)
	if err != nil {
		writeDomainError(w, h.logger, err, id)
		return
	}
	response.WriteJSON(w, http.StatusOK, req)
}

// Revoke ends a grant early. The requester may give up their own access;
// approvers may revoke anyone's.
func (h *AccessRequest) Revoke(w http.ResponseWriter, r *http.Request) {
	var body request.Revoke
	if err := request.DecodeOptional(r, &body); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := h.load(w, r)
	if req == nil {
		return
	}

	revoked, err := h.svc.Revoke(r.Context(), req.ID, mw.Subject(r.Context()), body.Reason)
	if err != nil {
		var failure *model.ProvisioningFailure
		if errors.As(err, &failure) {
			h.logger.Error().Err(err).Str("request_id", req.ID).Msg("revocation failed; access remains granted")
		}
		writeDomainError(w, h.logger, err, req.ID)
		return
	}
	response.WriteJSON(w, http.StatusOK, revoked)
}
