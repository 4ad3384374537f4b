package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/jitaccess/internal/model"
)

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
