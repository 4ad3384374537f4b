package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("concurrent modification")
	ErrForbidden         = errors.New("forbidden")
)

// Violation kinds persisted on denied requests.
const (
	ViolationPolicy   = "policy_violation"
	ViolationSecurity = "security_alert"
	ViolationDenied   = "approver_denial"
)

// PolicyViolation is a user-correctable rule failure. Contact names who can
// help with remediation.
type PolicyViolation struct {
	Rule    string
	Message string
	Contact string
}

func (e *PolicyViolation) Error() string {
	if e.Contact == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (contact %s)", e.Message, e.Contact)
}

// Record converts the violation into its persisted form.
func (e *PolicyViolation) Record() *ViolationRecord {
	return &ViolationRecord{Kind: ViolationPolicy, Rule: e.Rule, Message: e.Message, Contact: e.Contact}
}

// SecurityAlert is an injection or escalation attempt. It carries no
// remediation guidance.
type SecurityAlert struct {
	Pattern string
	Message string
}

func (e *SecurityAlert) Error() string {
	return e.Message
}

// Record converts the alert into its persisted form. The matched pattern is
// kept out of the record shown to requesters.
func (e *SecurityAlert) Record() *ViolationRecord {
	return &ViolationRecord{Kind: ViolationSecurity, Message: e.Message}
}

// ProvisioningFailure wraps a downstream error raised while granting or
// revoking access.
type ProvisioningFailure struct {
	Step string
	Err  error
}

func (e *ProvisioningFailure) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisioningFailure) Unwrap() error {
	return e.Err
}

// AccessExpired is returned when a statement is attempted after the grant
// window closed.
type AccessExpired struct {
	RequestID string
	ExpiredAt time.Time
}

func (e *AccessExpired) Error() string {
	return fmt.Sprintf("access for request %s expired at %s", e.RequestID, e.ExpiredAt.UTC().Format(time.RFC3339))
}
