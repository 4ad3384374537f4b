package request

import "github.com/edvin/jitaccess/internal/model"

// UpdatePolicy replaces the policy configuration. ExpectedVersion must match
// the stored version or the update is rejected as a conflict.
type UpdatePolicy struct {
	ExpectedVersion  int64                    `json:"expected_version" validate:"min=0"`
	Environments     map[string]model.Toggles `json:"environments" validate:"required,dive,keys,oneof=prod nonprod sandbox,endkeys"`
	Contacts         map[string]string        `json:"contacts" validate:"dive,keys,required,endkeys,email"`
	MaxDurationHours map[string]int           `json:"max_duration_hours" validate:"required,dive,keys,oneof=prod nonprod sandbox,endkeys,min=1,max=720"`
}

// Config converts the body into a policy configuration attributed to actor.
func (u UpdatePolicy) Config(actor string) *model.PolicyConfig {
	return &model.PolicyConfig{
		Environments:     u.Environments,
		Contacts:         u.Contacts,
		MaxDurationHours: u.MaxDurationHours,
		UpdatedBy:        actor,
	}
}
