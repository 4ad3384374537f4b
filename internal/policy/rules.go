package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edvin/jitaccess/internal/model"
)

// Contact categories used for remediation guidance.
const (
	ContactCreate    = "create"
	ContactDelete    = "delete"
	ContactTerminate = "terminate"
	ContactIAM       = "iam"
	ContactEmergency = "emergency"
	ContactSupport   = "support"
)

// MaxFreeTextLength bounds the free-text justification accepted with a request.
const MaxFreeTextLength = 2000

// alwaysForbidden can never be approved. Entries ending in ":*" forbid the
// whole service. Actions with a wildcard in the service part are forbidden
// outright.
var alwaysForbidden = []string{
	"iam:CreateUser",
	"iam:CreateRole",
	"iam:AttachUserPolicy",
	"iam:AttachRolePolicy",
	"iam:PutUserPolicy",
	"iam:PutRolePolicy",
	"iam:DeleteUser",
	"iam:DeleteRole",
	"organizations:*",
	"account:*",
	"sts:AssumeRole",
	"lambda:CreateFunction",
	"lambda:UpdateFunctionCode",
	"ec2:RunInstances",
	"rds:CreateDBInstance",
	"s3:DeleteBucket",
	"dynamodb:DeleteTable",
	"kms:ScheduleKeyDeletion",
}

// configurableDelete is allowed only when the environment's delete toggle is on.
var configurableDelete = []string{
	"s3:DeleteObject",
	"s3:DeleteObjectVersion",
	"logs:DeleteLogStream",
	"logs:DeleteLogGroup",
	"lambda:DeleteFunction",
	"ec2:TerminateInstances",
	"rds:DeleteDBInstance",
	"secretsmanager:DeleteSecret",
	"dynamodb:DeleteItem",
	"sqs:DeleteQueue",
	"sns:DeleteTopic",
}

var forbiddenResources = []string{
	"arn:aws:iam::*:role/*",
	"arn:aws:iam::*:user/*",
}

// readPrefixes classify an action verb as read-only.
var readPrefixes = []string{"get", "list", "describe", "read", "view", "fetch", "query", "scan"}

// secretServices must always be granted on concrete resources.
var secretServices = []string{"secretsmanager"}

var knownServices = map[string]struct{}{}

func init() {
	for _, s := range []string{
		"account", "apigateway", "athena", "autoscaling", "cloudformation",
		"cloudfront", "cloudtrail", "cloudwatch", "codebuild", "codepipeline",
		"config", "dynamodb", "ec2", "ecr", "ecs", "eks", "elasticache",
		"elasticloadbalancing", "es", "events", "firehose", "glue", "iam",
		"kinesis", "kms", "lambda", "logs", "organizations", "rds", "redshift",
		"route53", "s3", "secretsmanager", "sns", "sqs", "ssm", "states", "sts",
	} {
		knownServices[s] = struct{}{}
	}
}

// IsKnownService reports whether service is a recognised action prefix.
func IsKnownService(service string) bool {
	_, ok := knownServices[strings.ToLower(service)]
	return ok
}

// IsAlwaysForbidden reports whether action matches the always-forbidden set.
// A wildcard action is forbidden if any action it expands to would be.
func IsAlwaysForbidden(action string) bool {
	_, ok := forbiddenEntry(action)
	return ok
}

// forbiddenEntry returns the always-forbidden entry action overlaps with.
func forbiddenEntry(action string) (string, bool) {
	a := strings.ToLower(strings.TrimSpace(action))
	if svc, _, _ := strings.Cut(a, ":"); hasWildcard(svc) {
		return "*", true
	}
	return overlaps(alwaysForbidden, a)
}

// IsConfigurableDelete reports whether action, or any action it expands to,
// is gated by the delete toggle.
func IsConfigurableDelete(action string) bool {
	_, ok := overlaps(configurableDelete, strings.ToLower(strings.TrimSpace(action)))
	return ok
}

// overlaps matches the lower-cased action against list in both directions:
// an entry pattern covering the action, or an action pattern covering the
// entry.
func overlaps(list []string, action string) (string, bool) {
	for _, item := range list {
		entry := strings.ToLower(item)
		if globMatch(entry, action) || globMatch(action, entry) {
			return item, true
		}
	}
	return "", false
}

// hasWildcard reports whether s contains an IAM wildcard.
func hasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?")
}

// wildcardIndex returns the position of the first IAM wildcard in s, or -1.
func wildcardIndex(s string) int {
	return strings.IndexAny(s, "*?")
}

// globMatch matches s against an IAM pattern where '*' matches any run of
// characters and '?' matches exactly one.
func globMatch(pattern, s string) bool {
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, i
			p++
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case star >= 0:
			mark++
			p, i = star+1, mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// IsForbiddenResource reports whether resource is never grantable.
func IsForbiddenResource(resource string) bool {
	return containsFold(forbiddenResources, resource)
}

// IsReadVerb reports whether an action verb (or verb prefix) is read-class.
func IsReadVerb(verb string) bool {
	v := strings.ToLower(verb)
	for _, p := range readPrefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

// IsWriteAction reports whether action is write-class, which is anything
// that is not read-class. For a wildcard action only the text before the
// first wildcard is considered.
func IsWriteAction(action string) bool {
	_, verb, ok := strings.Cut(strings.TrimSpace(action), ":")
	if !ok {
		return true
	}
	if i := wildcardIndex(verb); i >= 0 {
		verb = verb[:i]
	}
	return !IsReadVerb(verb)
}

// forbiddenContact picks the remediation category for an always-forbidden entry.
func forbiddenContact(entry string) string {
	a := strings.ToLower(entry)
	switch {
	case strings.HasPrefix(a, "iam:") || strings.Contains(a, "assumerole"):
		return ContactIAM
	case strings.Contains(a, "create") || strings.Contains(a, "runinstances"):
		return ContactCreate
	case strings.Contains(a, "delete"):
		return ContactDelete
	default:
		return ContactEmergency
	}
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// DefaultConfig returns the built-in policy configuration. Deletes are
// denied in every environment until an administrator enables them.
func DefaultConfig() *model.PolicyConfig {
	return &model.PolicyConfig{
		Version: 1,
		Environments: map[string]model.Toggles{
			model.EnvProd:    {},
			model.EnvNonProd: {},
			model.EnvSandbox: {AllowAdmin: true},
		},
		Contacts: map[string]string{
			ContactCreate:    "devops@company.com",
			ContactDelete:    "security@company.com",
			ContactTerminate: "manager@company.com",
			ContactIAM:       "security-team@company.com",
			ContactEmergency: "ciso@company.com",
			ContactSupport:   "support@company.com",
		},
		MaxDurationHours: map[string]int{
			model.EnvProd:    8,
			model.EnvNonProd: 120,
			model.EnvSandbox: 168,
		},
	}
}

// LoadDefaults reads a YAML policy file and overlays it on DefaultConfig.
// An empty path returns DefaultConfig unchanged.
func LoadDefaults(path string) (*model.PolicyConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy defaults: %w", err)
	}

	var overlay model.PolicyConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse policy defaults: %w", err)
	}

	for env, t := range overlay.Environments {
		cfg.Environments[env] = t
	}
	for k, v := range overlay.Contacts {
		cfg.Contacts[k] = v
	}
	for env, h := range overlay.MaxDurationHours {
		if h <= 0 {
			return nil, fmt.Errorf("max duration for %s must be positive", env)
		}
		cfg.MaxDurationHours[env] = h
	}
	return cfg, nil
}
