package model

import "time"

// Toggles gate the configurable action classes for one environment.
type Toggles struct {
	AllowDelete bool `json:"allow_delete" yaml:"allow_delete"`
	AllowCreate bool `json:"allow_create" yaml:"allow_create"`
	AllowAdmin  bool `json:"allow_admin" yaml:"allow_admin"`
}

// PolicyConfig is the administrator-mutable part of the rule set. Every
// update produces a new Version.
type PolicyConfig struct {
	Version          int64              `json:"version" yaml:"-"`
	Environments     map[string]Toggles `json:"environments" yaml:"environments"`
	Contacts         map[string]string  `json:"contacts" yaml:"contacts"`
	MaxDurationHours map[string]int     `json:"max_duration_hours" yaml:"max_duration_hours"`
	UpdatedBy        string             `json:"updated_by,omitempty" yaml:"-"`
	UpdatedAt        time.Time          `json:"updated_at" yaml:"-"`
}

// TogglesFor returns the toggles for env, or all-deny when env is unknown.
func (c *PolicyConfig) TogglesFor(env string) Toggles {
	return c.Environments[env]
}
