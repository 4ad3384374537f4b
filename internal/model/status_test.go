package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusPendingApproval))
	assert.True(t, CanTransition(StatusPending, StatusApproved))
	assert.True(t, CanTransition(StatusPendingApproval, StatusDenied))
	assert.True(t, CanTransition(StatusApproved, StatusFailed))
	assert.True(t, CanTransition(StatusGranted, StatusExpired))

	assert.False(t, CanTransition(StatusGranted, StatusPending))
	assert.False(t, CanTransition(StatusDenied, StatusApproved))
	assert.False(t, CanTransition(StatusRevoked, StatusRevoked))
	assert.False(t, CanTransition(StatusApproved, StatusDenied))
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusDenied, StatusFailed, StatusRevoked, StatusExpired} {
		assert.True(t, IsTerminal(s), s)
	}
	for _, s := range []string{StatusPending, StatusPendingApproval, StatusApproved, StatusGranted} {
		assert.False(t, IsTerminal(s), s)
	}
}

func TestMissingRoles(t *testing.T) {
	required := []string{RoleManager, RoleSecurity}

	missing := MissingRoles(required, []Approval{{Role: RoleManager}, {Role: RoleManager}})
	assert.Equal(t, []string{RoleSecurity}, missing)

	missing = MissingRoles(required, []Approval{{Role: RoleSecurity}, {Role: RoleManager}})
	assert.Empty(t, missing)
}

func TestParseSQLTier_Aliases(t *testing.T) {
	cases := map[string]string{
		"":                   TierRead,
		"l1":                 TierRead,
		"READ_ONLY":          TierRead,
		"L2":                 TierReadWrite,
		"read_limited_write": TierReadWrite,
		"L3":                 TierDestructive,
		"ADMIN":              TierDestructive,
		"READ_FULL_WRITE":    TierDestructive,
	}
	for in, want := range cases {
		got, err := ParseSQLTier(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSQLTier("L4")
	assert.Error(t, err)
}

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment("Production")
	require.NoError(t, err)
	assert.Equal(t, EnvProd, env)

	env, err = ParseEnvironment("dev")
	require.NoError(t, err)
	assert.Equal(t, EnvNonProd, env)

	_, err = ParseEnvironment("moon")
	assert.Error(t, err)
}

func TestPermissionSet_ValidateFor(t *testing.T) {
	db := Target{Kind: TargetDatabase, Engine: EngineMySQL, Host: "db", Databases: []string{"app"}}
	acct := Target{Kind: TargetCloudAccount, AccountID: "123456789012"}

	cloud := NewCloudPermissionSet(CloudStatement{Service: "s3", Actions: []string{"s3:GetObject"}, Resources: []string{"*"}})
	sql := NewSQLTierSet(TierRead)

	assert.NoError(t, cloud.ValidateFor(acct))
	assert.NoError(t, sql.ValidateFor(db))
	assert.Error(t, cloud.ValidateFor(db))
	assert.Error(t, sql.ValidateFor(acct))

	mixed := PermissionSet{Kind: PermissionKindSQL, SQL: sql.SQL, Cloud: cloud.Cloud}
	assert.Error(t, mixed.Validate())
}

func TestNewSQLTierSet_DefaultOperations(t *testing.T) {
	assert.Equal(t, []string{OpRead}, NewSQLTierSet(TierRead).SQL.Operations)
	assert.Equal(t, []string{OpRead, OpWrite}, NewSQLTierSet(TierReadWrite).SQL.Operations)
	assert.Equal(t, []string{OpWrite, OpSchema}, NewSQLTierSet(TierDestructive).SQL.Operations)
}

func TestProvisioningFailure_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&ProvisioningFailure{Step: "issue credential", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "issue credential")
}

func TestAccessExpired_Error(t *testing.T) {
	err := &AccessExpired{RequestID: "r1", ExpiredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	assert.Equal(t, "access for request r1 expired at 2026-01-02T03:04:05Z", err.Error())
}
