package auth

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/session"
	"github.com/joel-Y/WizLock-Tech-App/internal/store"
)

type fakeRecorder struct {
	actions []string
}

func (f *fakeRecorder) Record(_ context.Context, action, details string) (model.ActivityLog, error) {
	f.actions = append(f.actions, action)
	return model.ActivityLog{Action: action, Details: details}, nil
}

func newTestService(t *testing.T, enforce bool) (*Service, *session.Store, *fakeRecorder) {
	t.Helper()
	sessions := session.NewStore(store.NewMemory())
	rec := &fakeRecorder{}
	svc := NewService(
		PresenceVerifier{},
		NewJWTService("test-secret", 8*time.Hour, enforce),
		sessions,
		rec,
		DefaultDirectory(),
		enforce,
		zerolog.Nop(),
	)
	return svc, sessions, rec
}

func TestLoginAssignsRoleAndPersists(t *testing.T) {
	ctx := context.Background()
	svc, sessions, rec := newTestService(t, false)

	before := time.Now()
	sess, err := svc.Login(ctx, "admin_john", "x")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdministrator, sess.Role)
	assert.InDelta(t, before.Add(8*time.Hour).UnixMilli(), sess.ExpiresAt, 5000)

	stored, err := sessions.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, *sess, *stored)
	assert.Equal(t, []string{"LOGIN"}, rec.actions)
}

func TestLoginRejectsEmptyCredentials(t *testing.T) {
	svc, sessions, _ := newTestService(t, false)
	_, err := svc.Login(context.Background(), "  ", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(context.Background(), "tech", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	stored, err := sessions.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRoleScenario(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, false)

	for username, want := range map[string]model.Role{
		"admin_john":  model.RoleAdministrator,
		"super_sarah": model.RoleSupervisor,
		"tech_mike":   model.RoleTechnician,
	} {
		sess, err := svc.Login(ctx, username, "x")
		require.NoError(t, err)
		assert.Equal(t, want, sess.Role, username)
	}
}

func TestAuthenticateOnlyCurrentSession(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, false)

	first, err := svc.Login(ctx, "tech_a", "x")
	require.NoError(t, err)
	got, err := svc.Authenticate(ctx, first.Token)
	require.NoError(t, err)
	assert.Equal(t, "tech_a", got.Username)

	second, err := svc.Login(ctx, "tech_b", "x")
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, first.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated, "a new login replaces the old session")
	_, err = svc.Authenticate(ctx, second.Token)
	assert.NoError(t, err)

	require.NoError(t, svc.Logout(ctx))
	_, err = svc.Authenticate(ctx, second.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.NoError(t, svc.Logout(ctx), "second logout is a no-op")
}

func TestAuthenticateGarbage(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	_, err := svc.Authenticate(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestExpiryEnforcement(t *testing.T) {
	ctx := context.Background()

	lenient, _, _ := newTestService(t, false)
	sess, err := lenient.Login(ctx, "tech", "x")
	require.NoError(t, err)
	lenient.now = func() time.Time { return time.Now().Add(9 * time.Hour) }
	_, err = lenient.Authenticate(ctx, sess.Token)
	assert.NoError(t, err, "expiry is informational unless enforced")

	strict, _, _ := newTestService(t, true)
	strict.now = func() time.Time { return time.Now().Add(-9 * time.Hour) }
	old, err := strict.Login(ctx, "tech", "x")
	require.NoError(t, err)
	strict.now = time.Now
	_, err = strict.Authenticate(ctx, old.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestListUsersRequiresUserManagement(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, false)

	_, err := svc.ListUsers(ctx, model.Session{Role: model.RoleSupervisor})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.ListUsers(ctx, model.Session{Role: model.RoleTechnician})
	assert.ErrorIs(t, err, ErrForbidden)

	users, err := svc.ListUsers(ctx, model.Session{Role: model.RoleAdministrator})
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "Sarah Smith", users[1].Name)
	assert.False(t, users[2].Active)
}
