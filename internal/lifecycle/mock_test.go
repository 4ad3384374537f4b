package lifecycle

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/jitaccess/internal/broker"
	"github.com/edvin/jitaccess/internal/model"
)

type mockIssuer struct {
	mock.Mock
}

func (m *mockIssuer) IssueDatabaseCredential(ctx context.Context, req broker.IssueRequest) (*broker.Credential, error) {
	args := m.Called(ctx, req)
	cred, _ := args.Get(0).(*broker.Credential)
	return cred, args.Error(1)
}

func (m *mockIssuer) LeaseTTL(ctx context.Context, leaseID string) (time.Duration, error) {
	args := m.Called(ctx, leaseID)
	ttl, _ := args.Get(0).(time.Duration)
	return ttl, args.Error(1)
}

func (m *mockIssuer) Revoke(ctx context.Context, lease *model.CredentialLease) error {
	args := m.Called(ctx, lease)
	return args.Error(0)
}

type mockCloud struct {
	mock.Mock
}

func (m *mockCloud) Grant(ctx context.Context, req *model.AccessRequest) (*model.CloudAssignment, error) {
	args := m.Called(ctx, req)
	a, _ := args.Get(0).(*model.CloudAssignment)
	return a, args.Error(1)
}

func (m *mockCloud) Revoke(ctx context.Context, a *model.CloudAssignment) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}
