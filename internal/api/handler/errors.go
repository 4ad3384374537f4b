package handler

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/edvin/jitaccess/internal/api/response"
	"github.com/edvin/jitaccess/internal/model"
)

// violationResponse is the 422 body for a policy violation. Contact names
// who can help the requester remediate.
type violationResponse struct {
	Error     string `json:"error"`
	Rule      string `json:"rule,omitempty"`
	Contact   string `json:"contact,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeDomainError maps a lifecycle error onto a status code. Security
// alerts and unexpected failures get a generic message.
func writeDomainError(w http.ResponseWriter, logger zerolog.Logger, err error, requestID string) {
	var (
		violation *model.PolicyViolation
		alert     *model.SecurityAlert
		expired   *model.AccessExpired
		failure   *model.ProvisioningFailure
	)
	switch {
	case errors.As(err, &alert):
		response.WriteError(w, http.StatusForbidden, "request rejected by security policy")
	case errors.As(err, &violation):
		response.WriteJSON(w, http.StatusUnprocessableEntity, violationResponse{
			Error:     violation.Message,
			Rule:      violation.Rule,
			Contact:   violation.Contact,
			RequestID: requestID,
		})
	case errors.As(err, &expired):
		response.WriteError(w, http.StatusForbidden, expired.Error())
	case errors.Is(err, model.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrConflict):
		response.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrForbidden):
		response.WriteError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &failure):
		logger.Error().Err(err).Str("request_id", requestID).Msg("provisioning failed")
		response.WriteError(w, http.StatusBadGateway, "provisioning failed at "+failure.Step)
	default:
		logger.Error().Err(err).Str("request_id", requestID).Msg("request failed")
		response.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
