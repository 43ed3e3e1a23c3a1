package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/orderflow/internal/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T) Service {
	t.Helper()
	enforcer, err := NewEnforcer(dbtest.Open(t))
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorizeSeededGrants(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	tests := []struct {
		role   string
		action string
		allow  bool
	}{
		{RoleAdmin, ActionOrderUpdateStatus, true},
		{RoleAdmin, ActionOrderView, true},
		{RoleAdmin, ActionOrderCancel, false},
		{RoleCustomer, ActionOrderCancel, true},
		{RoleCustomer, ActionOrderRequestRefund, true},
		{RoleCustomer, ActionOrderView, true},
		{RoleCustomer, ActionOrderUpdateStatus, false},
		{"guest", ActionOrderView, false},
	}
	for _, tc := range tests {
		t.Run(tc.role+"/"+tc.action, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.role, ObjectOrder, tc.action)
			if tc.allow {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestAuthorizeNormalizesRole(t *testing.T) {
	svc := newService(t)
	assert.NoError(t, svc.Authorize(context.Background(), " Admin ", ObjectOrder, ActionOrderUpdateStatus))
}

func TestAuthorizeRejectsEmptyInput(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, "", ObjectOrder, ActionOrderView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, RoleAdmin, "", ActionOrderView), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, RoleAdmin, ObjectOrder, " "), ErrInvalidAction)
}

func TestNewEnforcerSeedsOnce(t *testing.T) {
	db := dbtest.Open(t)
	_, err := NewEnforcer(db)
	require.NoError(t, err)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)

	policies, err := enforcer.GetPolicy()
	require.NoError(t, err)
	assert.Len(t, policies, 5)
}
