package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/jitaccess/internal/model"
)

func newRequest(id, status string, created time.Time) *model.AccessRequest {
	return &model.AccessRequest{
		ID:            id,
		Requester:     "alice@example.com",
		DurationHours: 1,
		Environment:   model.EnvNonProd,
		Status:        status,
		CreatedAt:     created,
		ModifiedAt:    created,
	}
}

func TestMemory_RequestCRUD(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	r := newRequest("req-1", model.StatusPending, time.Now())
	require.NoError(t, s.CreateRequest(ctx, r))
	assert.ErrorIs(t, s.CreateRequest(ctx, r), model.ErrConflict)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Requester)

	got.Justification = "incident 42"
	require.NoError(t, s.UpdateRequest(ctx, got))
	again, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "incident 42", again.Justification)

	_, err = s.GetRequest(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.UpdateRequest(ctx, newRequest("nope", model.StatusPending, time.Now())), model.ErrNotFound)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("req-1", model.StatusPending, time.Now())))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	got.Status = model.StatusGranted

	stored, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
}

func TestMemory_CompareAndSetStatus_SingleWinner(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("req-1", model.StatusApproved, time.Now())))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.CompareAndSetStatus(ctx, "req-1", model.StatusApproved, model.StatusGranted); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, model.ErrConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemory_InTx_RollsBack(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("req-1", model.StatusPending, time.Now())))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Store) error {
		require.NoError(t, tx.AddApproval(ctx, model.Approval{RequestID: "req-1", Role: model.RoleSelf}))
		require.NoError(t, tx.CompareAndSetStatus(ctx, "req-1", model.StatusPending, model.StatusApproved))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	approvals, err := s.ListApprovals(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, approvals)
}

func TestMemory_InTx_Commits(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("req-1", model.StatusPending, time.Now())))

	err := s.InTx(ctx, func(tx Store) error {
		return tx.InTx(ctx, func(inner Store) error {
			return inner.AddApproval(ctx, model.Approval{RequestID: "req-1", Role: model.RoleManager})
		})
	})
	require.NoError(t, err)

	approvals, err := s.ListApprovals(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, model.RoleManager, approvals[0].Role)

	require.NoError(t, s.ClearApprovals(ctx, "req-1"))
	approvals, err = s.ListApprovals(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, approvals)
}

func TestMemory_ListRequests_FilterAndOrder(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.CreateRequest(ctx, newRequest("old", model.StatusPending, base.Add(-time.Hour))))
	require.NoError(t, s.CreateRequest(ctx, newRequest("new", model.StatusPending, base)))
	denied := newRequest("denied", model.StatusDenied, base)
	denied.Requester = "bob@example.com"
	require.NoError(t, s.CreateRequest(ctx, denied))

	got, err := s.ListRequests(ctx, model.RequestFilter{Status: model.StatusPending})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "old", got[1].ID)

	got, err = s.ListRequests(ctx, model.RequestFilter{Requester: "bob@example.com"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "denied", got[0].ID)

	got, err = s.ListRequests(ctx, model.RequestFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemory_ListExpiredGrants(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	now := time.Now()

	expired := newRequest("expired", model.StatusGranted, now)
	past := now.Add(-time.Minute)
	expired.ExpiresAt = &past
	live := newRequest("live", model.StatusGranted, now)
	future := now.Add(time.Hour)
	live.ExpiresAt = &future
	revoked := newRequest("revoked", model.StatusRevoked, now)
	revoked.ExpiresAt = &past

	for _, r := range []*model.AccessRequest{expired, live, revoked} {
		require.NoError(t, s.CreateRequest(ctx, r))
	}

	got, err := s.ListExpiredGrants(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "expired", got[0].ID)
}

func TestMemory_Leases(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	require.NoError(t, s.SaveLease(ctx, &model.CredentialLease{ID: "lease-1", RequestID: "req-1"}))
	first := time.Now()
	require.NoError(t, s.MarkLeaseRevoked(ctx, "lease-1", first))
	require.NoError(t, s.MarkLeaseRevoked(ctx, "lease-1", first.Add(time.Hour)))

	l, err := s.GetLease(ctx, "lease-1")
	require.NoError(t, err)
	require.NotNil(t, l.RevokedAt)
	assert.True(t, l.RevokedAt.Equal(first))

	assert.ErrorIs(t, s.MarkLeaseRevoked(ctx, "nope", first), model.ErrNotFound)
}

func TestMemory_ListAudit_NewestFirst(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, &model.AuditLogEntry{ID: "a1", RequestID: "req-1", Action: "SELECT 1"}))
	require.NoError(t, s.AppendAudit(ctx, &model.AuditLogEntry{ID: "a2", RequestID: "req-2", Action: "SELECT 2"}))
	require.NoError(t, s.AppendAudit(ctx, &model.AuditLogEntry{ID: "a3", RequestID: "req-1", Action: "SELECT 3"}))

	got, err := s.ListAudit(ctx, "req-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a3", got[0].ID)
	assert.Equal(t, "a1", got[1].ID)

	all, err := s.ListAudit(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemory_PolicyConfigVersioning(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	_, err := s.GetPolicyConfig(ctx)
	assert.ErrorIs(t, err, model.ErrNotFound)

	defaults := &model.PolicyConfig{Environments: map[string]model.Toggles{model.EnvNonProd: {}}}
	require.NoError(t, EnsurePolicyConfig(ctx, s, defaults))
	require.NoError(t, EnsurePolicyConfig(ctx, s, defaults))

	cfg, err := s.GetPolicyConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.Version)

	cfg.Environments[model.EnvNonProd] = model.Toggles{AllowDelete: true}
	next, err := s.PutPolicyConfig(ctx, cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Version)

	_, err = s.PutPolicyConfig(ctx, cfg, 1)
	assert.ErrorIs(t, err, model.ErrConflict)

	current, err := s.GetPolicyConfig(ctx)
	require.NoError(t, err)
	assert.True(t, current.TogglesFor(model.EnvNonProd).AllowDelete)
}

func TestMemory_PolicyConfigIsolatedFromCaller(t *testing.T) {
	s := NewMemory(&model.PolicyConfig{Environments: map[string]model.Toggles{model.EnvNonProd: {}}})
	ctx := context.Background()

	cfg, err := s.GetPolicyConfig(ctx)
	require.NoError(t, err)
	cfg.Environments[model.EnvNonProd] = model.Toggles{AllowDelete: true}

	stored, err := s.GetPolicyConfig(ctx)
	require.NoError(t, err)
	assert.False(t, stored.TogglesFor(model.EnvNonProd).AllowDelete)
}
