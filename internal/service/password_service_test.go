package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crewdesk/crewdesk-auth/internal/domain"
	"github.com/crewdesk/crewdesk-auth/internal/service"
)

func newPasswordService(env *testEnv, maxAttempts int) *service.PasswordService {
	return service.NewPasswordService(
		env.users, env.resets, env.cache, env.tokens, env.node,
		time.Hour, maxAttempts, 15*time.Minute, zap.NewNop(),
	)
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasswordService(env, 10)
	ctx := context.Background()

	user, pair, err := svc.Register(ctx, "New.User@Example.COM", "hunter2hunter2", "New User", "dev")
	require.NoError(t, err)
	require.Equal(t, "new.user@example.com", user.Email)
	require.NotEmpty(t, pair.AccessToken)

	// Login is case-insensitive on email.
	loggedIn, pair, err := svc.Login(ctx, "NEW.USER@example.com", "hunter2hunter2", "dev")
	require.NoError(t, err)
	require.Equal(t, user.ID, loggedIn.ID)
	require.NotNil(t, loggedIn.LastLoginAt)
	require.NotEmpty(t, pair.RefreshToken)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasswordService(env, 10)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "dup@example.com", "hunter2hunter2", "", "dev")
	require.NoError(t, err)

	_, _, err = svc.Register(ctx, "DUP@example.com", "anotherpassword", "", "dev")
	require.ErrorIs(t, err, service.ErrEmailTaken)
}

func TestLoginFailuresAreUniform(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasswordService(env, 10)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "known@example.com", "hunter2hunter2", "", "dev")
	require.NoError(t, err)

	// Unknown email and wrong password yield the same error.
	_, _, err = svc.Login(ctx, "unknown@example.com", "whatever1", "dev")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "known@example.com", "wrongpassword", "dev")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)
}

func TestLoginSuspendedOnlyAfterPasswordVerifies(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasswordService(env, 10)
	ctx := context.Background()

	user, _, err := svc.Register(ctx, "locked@example.com", "hunter2hunter2", "", "dev")
	require.NoError(t, err)
	require.NoError(t, env.users.update(user.ID, func(u *domain.User) { u.Status = domain.StatusSuspended }))

	// Wrong password: generic error, no status leak.
	_, _, err = svc.Login(ctx, "locked@example.com", "wrongpassword", "dev")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)

	// Right password: now the caller may learn the account is suspended.
	_, _, err = svc.Login(ctx, "locked@example.com", "hunter2hunter2", "dev")
	require.ErrorIs(t, err, service.ErrAccountSuspended)
}

func TestLoginWithoutPasswordSet(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasswordService(env, 10)
	ctx := context.Background()

	// OAuth-created account: no password hash.
	env.addUser(t, domain.User{Email: "social@example.com", GoogleID: "g-123"})

	_, _, err := svc.Login(ctx, "social@example.com", "anything", "dev")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)
}

func TestLoginThrottle(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasswordService(env, 3)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "target@example.com", "hunter2hunter2", "", "dev")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err = svc.Login(ctx, "target@example.com", "wrongpassword", "dev")
		require.ErrorIs(t, err, service.ErrInvalidCredentials)
	}

	// The fourth attempt trips the throttle even with the right password.
	_, _, err = svc.Login(ctx, "target@example.com", "hunter2hunter2", "dev")
	require.ErrorIs(t, err, service.ErrRateLimited)
}

func TestLoginThrottleClearsOnSuccess(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasswordService(env, 3)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "reset@example.com", "hunter2hunter2", "", "dev")
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "reset@example.com", "wrongpassword", "dev")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "reset@example.com", "hunter2hunter2", "dev")
	require.NoError(t, err)

	// The counter restarted; two more bad attempts stay under the limit.
	for i := 0; i < 2; i++ {
		_, _, err = svc.Login(ctx, "reset@example.com", "wrongpassword", "dev")
		require.ErrorIs(t, err, service.ErrInvalidCredentials)
	}
	_, _, err = svc.Login(ctx, "reset@example.com", "hunter2hunter2", "dev")
	require.NoError(t, err)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasswordService(env, 10)
	ctx := context.Background()

	user, _, err := svc.Register(ctx, "change@example.com", "oldpassword1", "", "dev")
	require.NoError(t, err)

	require.ErrorIs(t, svc.ChangePassword(ctx, user.ID, "wrongcurrent", "newpassword1"), service.ErrInvalidCredentials)
	require.NoError(t, svc.ChangePassword(ctx, user.ID, "oldpassword1", "newpassword1"))

	_, _, err = svc.Login(ctx, "change@example.com", "oldpassword1", "dev")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "change@example.com", "newpassword1", "dev")
	require.NoError(t, err)
}

func TestResetFlow(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasswordService(env, 10)
	ctx := context.Background()

	_, pair, err := svc.Register(ctx, "forgot@example.com", "oldpassword1", "", "dev")
	require.NoError(t, err)

	// Unknown email: silent success, no token.
	token, err := svc.RequestReset(ctx, "nobody@example.com")
	require.NoError(t, err)
	require.Empty(t, token)

	token, err = svc.RequestReset(ctx, "forgot@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, svc.Reset(ctx, token, "brandnewpass1"))

	// The token is single-use.
	require.ErrorIs(t, svc.Reset(ctx, token, "anotherpass1"), service.ErrResetInvalid)

	// Old password dead, new one works.
	_, _, err = svc.Login(ctx, "forgot@example.com", "oldpassword1", "dev")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "forgot@example.com", "brandnewpass1", "dev")
	require.NoError(t, err)

	// Every pre-reset session was revoked.
	_, err = env.tokens.Verify(ctx, pair.AccessToken)
	require.Error(t, err)

	// Garbage tokens are rejected.
	require.ErrorIs(t, svc.Reset(ctx, "bogus-token", "whatever12"), service.ErrResetInvalid)
}

func TestResetTokenIsStoredHashed(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasswordService(env, 10)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "hashcheck@example.com", "oldpassword1", "", "dev")
	require.NoError(t, err)

	token, err := svc.RequestReset(ctx, "hashcheck@example.com")
	require.NoError(t, err)

	env.resets.mu.Lock()
	defer env.resets.mu.Unlock()
	require.Len(t, env.resets.tokens, 1)
	require.NotEqual(t, []byte(token), env.resets.tokens[0].TokenHash)
	require.Len(t, env.resets.tokens[0].TokenHash, 32)
}
