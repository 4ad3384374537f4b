package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/jitaccess/internal/model"
)

// ConfigSource returns the current policy configuration. It is consulted on
// every validation so toggle changes apply to the next call.
type ConfigSource interface {
	GetPolicyConfig(ctx context.Context) (*model.PolicyConfig, error)
}

// Candidate is a permission set submitted for validation.
type Candidate struct {
	Permissions   model.PermissionSet
	Environment   string
	DurationHours int
	FreeText      string
}

// Validator evaluates candidates against the rule set.
type Validator struct {
	configs ConfigSource
	logger  zerolog.Logger
}

func NewValidator(configs ConfigSource, logger zerolog.Logger) *Validator {
	return &Validator{
		configs: configs,
		logger:  logger.With().Str("component", "policy-validator").Logger(),
	}
}

// Validate returns the sanitized permission set, or an error that is either
// a *model.PolicyViolation or a *model.SecurityAlert. Any other error means
// the policy could not be evaluated.
func (v *Validator) Validate(ctx context.Context, c Candidate) (model.PermissionSet, error) {
	if err := ScanFreeText(c.FreeText); err != nil {
		var alert *model.SecurityAlert
		if errors.As(err, &alert) {
			v.logger.Warn().Str("alert", "security").Str("pattern", alert.Pattern).Msg("free-text input rejected")
		}
		return model.PermissionSet{}, err
	}

	cfg, err := v.configs.GetPolicyConfig(ctx)
	if err != nil {
		return model.PermissionSet{}, fmt.Errorf("load policy config: %w", err)
	}

	sanitized, err := evaluate(cfg, c)
	if err != nil {
		var violation *model.PolicyViolation
		if errors.As(err, &violation) {
			v.logger.Info().Str("rule", violation.Rule).Str("environment", c.Environment).Msg("policy violation")
		}
		return model.PermissionSet{}, err
	}
	return sanitized, nil
}

func evaluate(cfg *model.PolicyConfig, c Candidate) (model.PermissionSet, error) {
	env, err := model.ParseEnvironment(c.Environment)
	if err != nil {
		return model.PermissionSet{}, &model.PolicyViolation{Rule: "environment", Message: err.Error()}
	}

	if err := checkDuration(cfg, env, c.DurationHours); err != nil {
		return model.PermissionSet{}, err
	}

	if err := c.Permissions.Validate(); err != nil {
		return model.PermissionSet{}, &model.PolicyViolation{Rule: "shape", Message: err.Error()}
	}

	toggles := cfg.TogglesFor(env)
	switch c.Permissions.Kind {
	case model.PermissionKindSQL:
		return checkSQL(cfg, toggles, c.Permissions.SQL)
	default:
		return checkCloud(cfg, toggles, c.Permissions.Cloud)
	}
}

func checkDuration(cfg *model.PolicyConfig, env string, hours int) error {
	limit, ok := cfg.MaxDurationHours[env]
	if !ok {
		limit = cfg.MaxDurationHours[model.EnvProd]
	}
	if hours < 1 {
		return &model.PolicyViolation{Rule: "duration", Message: "duration must be at least 1 hour"}
	}
	if hours > limit {
		return &model.PolicyViolation{
			Rule:    "duration",
			Message: fmt.Sprintf("max duration for %s is %d hours", env, limit),
		}
	}
	return nil
}

func checkCloud(cfg *model.PolicyConfig, toggles model.Toggles, set *model.CloudPermissionSet) (model.PermissionSet, error) {
	out := make([]model.CloudStatement, 0, len(set.Statements))
	for _, st := range set.Statements {
		service := strings.ToLower(strings.TrimSpace(st.Service))
		if !IsKnownService(service) {
			return model.PermissionSet{}, &model.PolicyViolation{
				Rule:    "unknown_service",
				Message: fmt.Sprintf("unknown service %q", st.Service),
				Contact: cfg.Contacts[ContactSupport],
			}
		}

		actions := dedupe(st.Actions)
		for _, action := range actions {
			if err := checkAction(cfg, toggles, service, action); err != nil {
				return model.PermissionSet{}, err
			}
		}

		resources := dedupe(st.Resources)
		if len(resources) == 0 {
			return model.PermissionSet{}, &model.PolicyViolation{
				Rule:    "resources",
				Message: fmt.Sprintf("resources must be specified for %s", service),
			}
		}
		for _, r := range resources {
			if IsForbiddenResource(r) {
				return model.PermissionSet{}, &model.PolicyViolation{
					Rule:    "forbidden_resource",
					Message: fmt.Sprintf("resource pattern %q is forbidden", r),
					Contact: cfg.Contacts[ContactIAM],
				}
			}
			if containsFold(secretServices, service) && strings.Contains(r, "*") {
				return model.PermissionSet{}, &model.PolicyViolation{
					Rule:    "secret_resource",
					Message: fmt.Sprintf("%s requires a specific resource ARN, wildcard not allowed", service),
					Contact: cfg.Contacts[ContactSupport],
				}
			}
		}

		out = append(out, model.CloudStatement{
			Service:    service,
			Actions:    actions,
			Resources:  resources,
			Conditions: st.Conditions,
		})
	}
	return model.NewCloudPermissionSet(out...), nil
}

func checkAction(cfg *model.PolicyConfig, toggles model.Toggles, service, action string) error {
	if entry, ok := forbiddenEntry(action); ok {
		return &model.PolicyViolation{
			Rule:    "always_forbidden",
			Message: fmt.Sprintf("action %q is strictly forbidden", action),
			Contact: cfg.Contacts[forbiddenContact(entry)],
		}
	}

	prefix, verb, ok := strings.Cut(action, ":")
	if !ok || verb == "" || !strings.EqualFold(prefix, service) {
		return &model.PolicyViolation{
			Rule:    "action_service",
			Message: fmt.Sprintf("action %q does not belong to service %s", action, service),
		}
	}

	// Every expansion shares the text before the first wildcard.
	if i := wildcardIndex(verb); i >= 0 && !IsReadVerb(verb[:i]) {
		return &model.PolicyViolation{
			Rule:    "wildcard",
			Message: fmt.Sprintf("wildcard action %q is only allowed for read operations", action),
		}
	}

	if IsConfigurableDelete(action) && !toggles.AllowDelete {
		return &model.PolicyViolation{
			Rule:    "delete_disabled",
			Message: fmt.Sprintf("delete action %q is disabled in this environment", action),
			Contact: cfg.Contacts[ContactDelete],
		}
	}

	if strings.HasPrefix(strings.ToLower(verb), "create") && !toggles.AllowCreate {
		return &model.PolicyViolation{
			Rule:    "create_disabled",
			Message: fmt.Sprintf("create action %q is disabled in this environment", action),
			Contact: cfg.Contacts[ContactCreate],
		}
	}
	return nil
}

func checkSQL(cfg *model.PolicyConfig, toggles model.Toggles, set *model.SQLTierSet) (model.PermissionSet, error) {
	tier, err := model.ParseSQLTier(set.Tier)
	if err != nil {
		return model.PermissionSet{}, &model.PolicyViolation{Rule: "sql_tier", Message: err.Error()}
	}

	if tier == model.TierDestructive && !toggles.AllowDelete {
		return model.PermissionSet{}, &model.PolicyViolation{
			Rule:    "delete_disabled",
			Message: "destructive database access is disabled in this environment",
			Contact: cfg.Contacts[ContactDelete],
		}
	}

	ops := dedupe(lowerAll(set.Operations))
	for _, op := range ops {
		family := model.OperationFamily(op)
		if family == "" {
			return model.PermissionSet{}, &model.PolicyViolation{
				Rule:    "sql_operation",
				Message: fmt.Sprintf("unknown database operation %q", op),
				Contact: cfg.Contacts[ContactSupport],
			}
		}
		if family == model.OpAdmin && !toggles.AllowAdmin {
			return model.PermissionSet{}, &model.PolicyViolation{
				Rule:    "admin_disabled",
				Message: fmt.Sprintf("database operation %q is disabled in this environment", op),
				Contact: cfg.Contacts[ContactIAM],
			}
		}
		if !model.TierAllows(tier, family) {
			return model.PermissionSet{}, &model.PolicyViolation{
				Rule:    "sql_operation",
				Message: fmt.Sprintf("database operation %q is not permitted at tier %s", op, tier),
				Contact: cfg.Contacts[ContactSupport],
			}
		}
	}
	return model.NewSQLTierSet(tier, ops...), nil
}

// RequiredApprovals derives the approver roles for a validated request.
func RequiredApprovals(ps model.PermissionSet, env string) []string {
	if env == model.EnvProd {
		return []string{model.RoleManager, model.RoleSecurity}
	}

	write := false
	switch ps.Kind {
	case model.PermissionKindSQL:
		write = ps.SQL.Tier != model.TierRead
		for _, op := range ps.SQL.EffectiveOperations() {
			if model.OperationFamily(op) != model.OpRead {
				write = true
			}
		}
	case model.PermissionKindCloud:
		for _, a := range ps.Cloud.Actions() {
			if IsWriteAction(a) {
				write = true
				break
			}
		}
	}
	if write {
		return []string{model.RoleManager}
	}
	return []string{model.RoleSelf}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
