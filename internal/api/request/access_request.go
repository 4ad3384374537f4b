package request

import "github.com/edvin/jitaccess/internal/model"

// SubmitAccessRequest is the body of POST /v1/requests. The requester is
// taken from the authenticated identity, never from the body.
type SubmitAccessRequest struct {
	Target        model.Target        `json:"target"`
	Permissions   model.PermissionSet `json:"permissions"`
	Justification string              `json:"justification" validate:"required"`
	DurationHours int                 `json:"duration_hours" validate:"required,min=1"`
	Environment   string              `json:"environment" validate:"required,environment"`
}

// ModifyAccessRequest replaces the mutable parts of a request that is still
// collecting approvals.
type ModifyAccessRequest struct {
	Permissions   model.PermissionSet `json:"permissions"`
	Justification string              `json:"justification" validate:"required"`
	DurationHours int                 `json:"duration_hours" validate:"required,min=1"`
	Environment   string              `json:"environment" validate:"required,environment"`
}

type Approve struct {
	Role string `json:"role" validate:"required,oneof=self manager security"`
}

type Deny struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type Revoke struct {
	Reason string `json:"reason" validate:"max=1000"`
}
