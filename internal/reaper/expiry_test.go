package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/jitaccess/internal/audit"
	"github.com/edvin/jitaccess/internal/broker"
	"github.com/edvin/jitaccess/internal/lifecycle"
	"github.com/edvin/jitaccess/internal/lock"
	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/policy"
	"github.com/edvin/jitaccess/internal/proxy"
	"github.com/edvin/jitaccess/internal/store"
)

// shortLeaseIssuer hands out leases that are already past their TTL.
type shortLeaseIssuer struct {
	revoked []string
}

func (s *shortLeaseIssuer) IssueDatabaseCredential(_ context.Context, req broker.IssueRequest) (*broker.Credential, error) {
	return &broker.Credential{
		Lease: model.CredentialLease{
			ID:        "lease-" + req.RequestID,
			RequestID: req.RequestID,
			RoleName:  "jit_alice",
			Principal: "d_alice_1",
			LeaseID:   "database/creds/jit_alice/1",
			Engine:    req.Engine,
			AuthMode:  model.AuthModePassword,
			ExpiresAt: time.Now().Add(-time.Second),
		},
		Secret: "pw",
	}, nil
}

func (s *shortLeaseIssuer) LeaseTTL(context.Context, string) (time.Duration, error) {
	return 0, nil
}

func (s *shortLeaseIssuer) Revoke(_ context.Context, lease *model.CredentialLease) error {
	s.revoked = append(s.revoked, lease.LeaseID)
	return nil
}

type noRunner struct{}

func (noRunner) Execute(context.Context, proxy.ConnParams, string, string, string) (*proxy.Result, error) {
	return nil, errors.New("connection refused")
}

func TestSweep_ExpiresElapsedDatabaseLease(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(policy.DefaultConfig())
	issuer := &shortLeaseIssuer{}
	mgr := lifecycle.NewManager(mem, policy.NewValidator(mem, zerolog.Nop()), lock.NewLocal(),
		audit.NewWriter(mem, zerolog.Nop()), issuer, nil, zerolog.Nop())

	req, err := mgr.Submit(ctx, lifecycle.Submission{
		Requester: "alice@example.com",
		Target: model.Target{
			Kind:      model.TargetDatabase,
			Engine:    model.EngineMySQL,
			Host:      "orders.db.internal",
			Databases: []string{"orders"},
		},
		Permissions:   model.NewSQLTierSet(model.TierRead),
		Justification: "check invoice totals",
		DurationHours: 1,
		Environment:   model.EnvNonProd,
	})
	require.NoError(t, err)
	res, err := mgr.Approve(ctx, req.ID, model.RoleSelf, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, model.StatusGranted, res.Status)

	r := New(mem, mgr, time.Minute, zerolog.Nop())
	sweep, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Expired)
	assert.Equal(t, []string{"database/creds/jit_alice/1"}, issuer.revoked)

	stored, err := mem.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, stored.Status)

	// The proxy reads the expiry from the stored request, not from the caller.
	svc := proxy.NewService(noRunner{}, audit.NewWriter(mem, zerolog.Nop()), mem, zerolog.Nop())
	_, err = svc.Execute(ctx, proxy.Statement{
		Conn:      proxy.ConnParams{Engine: model.EngineMySQL, Host: "orders.db.internal", Username: "d_alice_1", Password: "pw", Database: "orders"},
		Query:     "SELECT 1",
		Tier:      model.TierDestructive,
		Actor:     "alice@example.com",
		RequestID: req.ID,
	})
	var expired *model.AccessExpired
	assert.True(t, errors.As(err, &expired))

	again, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, again)
	assert.Len(t, issuer.revoked, 1)
}
