package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) GrantAccess(ctx context.Context, userID int64) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *MockProvider) RevokeAccess(ctx context.Context, userID int64) error {
	return m.Called(ctx, userID).Error(0)
}

func TestController(t *testing.T) {
	p := new(MockProvider)
	p.On("GrantAccess", mock.Anything, int64(1)).Return(nil)
	p.On("GrantAccess", mock.Anything, int64(2)).Return(errors.New("bot was kicked"))
	p.On("RevokeAccess", mock.Anything, int64(1)).Return(nil)
	p.On("RevokeAccess", mock.Anything, int64(2)).Return(errors.New("timeout"))

	c := NewController(p, nil)
	ctx := context.Background()

	assert.True(t, c.Grant(ctx, 1))
	assert.False(t, c.Grant(ctx, 2))
	assert.True(t, c.Revoke(ctx, 1))
	assert.False(t, c.Revoke(ctx, 2))
	p.AssertExpectations(t)
}
