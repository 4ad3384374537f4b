package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/jitaccess/internal/model"
)

type stubLister struct {
	reqs []model.AccessRequest
	err  error
}

func (s *stubLister) ListExpiredGrants(context.Context, time.Time) ([]model.AccessRequest, error) {
	return s.reqs, s.err
}

type stubExpirer struct {
	status string
	err    error
}

func (s *stubExpirer) Expire(_ context.Context, id string) (*model.AccessRequest, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.AccessRequest{ID: id, Status: s.status}, nil
}

func TestListExpiredGrants(t *testing.T) {
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewGrants(&stubLister{reqs: []model.AccessRequest{
		{ID: "r1", Requester: "alice@example.com", ExpiresAt: &exp},
		{ID: "r2", Requester: "bob@example.com"},
	}}, &stubExpirer{})

	got, err := a.ListExpiredGrants(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ExpiredGrant{RequestID: "r1", Requester: "alice@example.com", ExpiresAt: exp}, got[0])
	assert.True(t, got[1].ExpiresAt.IsZero())
}

func TestListExpiredGrants_Error(t *testing.T) {
	a := NewGrants(&stubLister{err: errors.New("connection reset")}, &stubExpirer{})
	_, err := a.ListExpiredGrants(context.Background())
	assert.ErrorContains(t, err, "list expired grants")
}

func TestExpireGrant(t *testing.T) {
	a := NewGrants(&stubLister{}, &stubExpirer{status: model.StatusRevoked})
	res, err := a.ExpireGrant(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, &ExpireGrantResult{RequestID: "r1", Status: model.StatusRevoked}, res)
}

func TestExpireGrant_SurfacesProvisioningFailure(t *testing.T) {
	cause := &model.ProvisioningFailure{Step: "expire", Err: errors.New("timeout")}
	a := NewGrants(&stubLister{}, &stubExpirer{err: cause})
	_, err := a.ExpireGrant(context.Background(), "r1")
	var pf *model.ProvisioningFailure
	assert.True(t, errors.As(err, &pf))
}
