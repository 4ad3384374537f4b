package model

import (
	"fmt"
	"strings"
)

// Permission set variants.
const (
	PermissionKindCloud = "cloud"
	PermissionKindSQL   = "sql"
)

// PermissionSet is a tagged variant: exactly one of Cloud or SQL is set and
// Kind names which.
type PermissionSet struct {
	Kind  string              `json:"kind"`
	Cloud *CloudPermissionSet `json:"cloud,omitempty"`
	SQL   *SQLTierSet         `json:"sql,omitempty"`
}

// CloudStatement grants actions on resources within a single service.
type CloudStatement struct {
	Service    string                       `json:"service"`
	Actions    []string                     `json:"actions"`
	Resources  []string                     `json:"resources"`
	Conditions map[string]map[string]string `json:"conditions,omitempty"`
}

// CloudPermissionSet is an ordered list of per-service statements.
type CloudPermissionSet struct {
	Statements []CloudStatement `json:"statements"`
}

// Actions returns every action across all statements in order.
func (c *CloudPermissionSet) Actions() []string {
	var out []string
	for _, st := range c.Statements {
		out = append(out, st.Actions...)
	}
	return out
}

// SQLTierSet grants one SQL access tier on the target databases.
type SQLTierSet struct {
	Tier       string   `json:"tier"`
	Operations []string `json:"operations,omitempty"`
}

// NewCloudPermissionSet wraps statements in a PermissionSet.
func NewCloudPermissionSet(statements ...CloudStatement) PermissionSet {
	return PermissionSet{Kind: PermissionKindCloud, Cloud: &CloudPermissionSet{Statements: statements}}
}

// NewSQLTierSet wraps a tier in a PermissionSet. Operations default to the
// tier's operation families.
func NewSQLTierSet(tier string, ops ...string) PermissionSet {
	if len(ops) == 0 {
		ops = TierOperations(tier)
	}
	return PermissionSet{Kind: PermissionKindSQL, SQL: &SQLTierSet{Tier: tier, Operations: ops}}
}

// Validate checks the variant tag against the populated fields.
func (p PermissionSet) Validate() error {
	switch p.Kind {
	case PermissionKindCloud:
		if p.Cloud == nil || p.SQL != nil {
			return fmt.Errorf("cloud permission set must carry only cloud statements")
		}
		if len(p.Cloud.Statements) == 0 {
			return fmt.Errorf("cloud permission set has no statements")
		}
		for _, st := range p.Cloud.Statements {
			if st.Service == "" || len(st.Actions) == 0 {
				return fmt.Errorf("statement requires a service and at least one action")
			}
		}
	case PermissionKindSQL:
		if p.SQL == nil || p.Cloud != nil {
			return fmt.Errorf("sql permission set must carry only a tier")
		}
		if _, err := ParseSQLTier(p.SQL.Tier); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown permission set kind %q", p.Kind)
	}
	return nil
}

// ValidateFor checks that the permission set variant matches the target kind.
func (p PermissionSet) ValidateFor(t Target) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if t.Kind == TargetDatabase && p.Kind != PermissionKindSQL {
		return fmt.Errorf("database targets require a sql permission set")
	}
	if t.Kind != TargetDatabase && p.Kind != PermissionKindCloud {
		return fmt.Errorf("%s targets require a cloud permission set", t.Kind)
	}
	return nil
}

// SQL access tiers.
const (
	TierRead        = "L1"
	TierReadWrite   = "L2"
	TierDestructive = "L3"
)

// ParseSQLTier resolves a tier name or one of its aliases. An empty name
// resolves to the read tier.
func ParseSQLTier(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "L1", "READ", "READ_ONLY":
		return TierRead, nil
	case "L2", "READ_WRITE", "READ_LIMITED_WRITE":
		return TierReadWrite, nil
	case "L3", "DESTRUCTIVE", "READ_FULL_WRITE", "ADMIN", "L3_DDL":
		return TierDestructive, nil
	}
	return "", fmt.Errorf("unknown SQL tier %q", s)
}

var tierRank = map[string]int{TierRead: 1, TierReadWrite: 2, TierDestructive: 3}

// StricterTier returns whichever of two resolved tiers grants less.
func StricterTier(a, b string) string {
	if tierRank[b] < tierRank[a] {
		return b
	}
	return a
}

// Operation families used to derive database grants.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpSchema = "schema"
	OpAdmin  = "admin"
)

// OperationFamily maps a database operation or one of its aliases to the
// family it grants, or "" when the operation is unknown.
func OperationFamily(op string) string {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case OpRead, "select", "show", "explain", "describe":
		return OpRead
	case OpWrite, "insert", "update", "delete", "execute", "call", "lock":
		return OpWrite
	case OpSchema, "create", "alter", "drop", "truncate":
		return OpSchema
	case "all", "grant":
		return OpAdmin
	}
	return ""
}

// TierAllows reports whether a resolved tier may carry operations of family.
func TierAllows(tier, family string) bool {
	switch family {
	case OpRead:
		return tierRank[tier] >= tierRank[TierRead]
	case OpWrite:
		return tierRank[tier] >= tierRank[TierReadWrite]
	case OpSchema, OpAdmin:
		return tier == TierDestructive
	}
	return false
}

// EffectiveOperations drops operations the tier does not permit. When none
// remain the tier's defaults apply.
func (s *SQLTierSet) EffectiveOperations() []string {
	var ops []string
	for _, op := range s.Operations {
		if TierAllows(s.Tier, OperationFamily(op)) {
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return TierOperations(s.Tier)
	}
	return ops
}

// TierOperations returns the default operation families for a tier.
func TierOperations(tier string) []string {
	switch tier {
	case TierReadWrite:
		return []string{OpRead, OpWrite}
	case TierDestructive:
		return []string{OpWrite, OpSchema}
	default:
		return []string{OpRead}
	}
}
