package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crewdesk/crewdesk-auth/internal/config"
	"github.com/crewdesk/crewdesk-auth/internal/domain"
	"github.com/crewdesk/crewdesk-auth/internal/service"
)

func newPasskeyService(t *testing.T, env *testEnv) *service.PasskeyService {
	t.Helper()
	wa, err := service.NewWebAuthn(config.Config{
		RPID:          "auth.test",
		RPOrigin:      "https://auth.test",
		RPDisplayName: "Crewdesk Test",
	})
	require.NoError(t, err)
	return service.NewPasskeyService(env.users, env.passkeys, env.cache, env.tokens, wa, 10*time.Minute, zap.NewNop())
}

func TestNewWebAuthnRequiresRPConfig(t *testing.T) {
	_, err := service.NewWebAuthn(config.Config{RPID: "auth.test"})
	require.Error(t, err)
	_, err = service.NewWebAuthn(config.Config{RPOrigin: "https://auth.test"})
	require.Error(t, err)
}

func TestBeginRegistrationAssignsHandle(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)
	ctx := context.Background()
	user := env.addUser(t, domain.User{Email: "reg@example.com", PasswordHash: "x"})
	require.Empty(t, user.WebAuthnHandle)

	start, err := svc.BeginRegistration(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, start.Token)

	creation, ok := start.Options.(*protocol.CredentialCreation)
	require.True(t, ok)
	require.NotEmpty(t, creation.Response.Challenge)
	require.Equal(t, "auth.test", creation.Response.RelyingParty.ID)
	require.Equal(t, "reg@example.com", creation.Response.User.Name)

	// A 32-byte random handle was persisted.
	stored, err := env.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, stored.WebAuthnHandle, 32)

	// A second ceremony reuses the same handle.
	_, err = svc.BeginRegistration(ctx, user.ID)
	require.NoError(t, err)
	again, err := env.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, stored.WebAuthnHandle, again.WebAuthnHandle)
}

func TestBeginRegistrationExcludesExistingCredentials(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)
	ctx := context.Background()
	user := env.addUser(t, domain.User{Email: "excl@example.com", PasswordHash: "x"})

	require.NoError(t, env.passkeys.Create(ctx, domain.PasskeyCredential{
		CredentialID: []byte("existing-cred"), UserID: user.ID, PublicKey: []byte("pk"),
	}))

	start, err := svc.BeginRegistration(ctx, user.ID)
	require.NoError(t, err)
	creation := start.Options.(*protocol.CredentialCreation)
	require.Len(t, creation.Response.CredentialExcludeList, 1)
}

func TestBeginRegistrationRejectsSuspended(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)
	user := env.addUser(t, domain.User{Email: "sus2@example.com", PasswordHash: "x", Status: domain.StatusSuspended})

	_, err := svc.BeginRegistration(context.Background(), user.ID)
	require.ErrorIs(t, err, service.ErrAccountSuspended)
}

func TestFinishRegistrationChallengeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)
	ctx := context.Background()
	user := env.addUser(t, domain.User{Email: "once@example.com", PasswordHash: "x"})

	start, err := svc.BeginRegistration(ctx, user.ID)
	require.NoError(t, err)

	// A malformed body fails after the challenge has been consumed.
	_, err = svc.FinishRegistration(ctx, user.ID, start.Token, "", strings.NewReader("{}"))
	require.ErrorIs(t, err, service.ErrChallengeInvalid)

	// Replaying the same token now fails at the consume step.
	_, err = svc.FinishRegistration(ctx, user.ID, start.Token, "", strings.NewReader("{}"))
	require.ErrorIs(t, err, service.ErrChallengeInvalid)
}

func TestFinishRegistrationRejectsForeignChallenge(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)
	ctx := context.Background()
	alice := env.addUser(t, domain.User{Email: "alice2@example.com", PasswordHash: "x"})
	mallory := env.addUser(t, domain.User{Email: "mallory@example.com", PasswordHash: "x"})

	start, err := svc.BeginRegistration(ctx, alice.ID)
	require.NoError(t, err)

	_, err = svc.FinishRegistration(ctx, mallory.ID, start.Token, "", strings.NewReader("{}"))
	require.ErrorIs(t, err, service.ErrChallengeInvalid)
}

func TestBeginLoginDiscoverable(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)

	start, err := svc.BeginLogin(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, start.Token)

	assertion, ok := start.Options.(*protocol.CredentialAssertion)
	require.True(t, ok)
	require.NotEmpty(t, assertion.Response.Challenge)
	// Discoverable login lists no allowed credentials.
	require.Empty(t, assertion.Response.AllowedCredentials)
}

func TestBeginLoginWithEmailHint(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)
	ctx := context.Background()
	user := env.addUser(t, domain.User{Email: "hint@example.com", PasswordHash: "x", WebAuthnHandle: []byte("0123456789abcdef0123456789abcdef")})

	require.NoError(t, env.passkeys.Create(ctx, domain.PasskeyCredential{
		CredentialID: []byte("hint-cred"), UserID: user.ID, PublicKey: []byte("pk"),
	}))

	start, err := svc.BeginLogin(ctx, "HINT@example.com")
	require.NoError(t, err)
	assertion := start.Options.(*protocol.CredentialAssertion)
	require.Len(t, assertion.Response.AllowedCredentials, 1)
}

func TestBeginLoginUnknownOrPasskeylessEmail(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)
	ctx := context.Background()

	// Unknown email and a known account with no passkeys fail the same way.
	_, err := svc.BeginLogin(ctx, "nobody@example.com")
	require.ErrorIs(t, err, service.ErrUnknownCredential)

	env.addUser(t, domain.User{Email: "nokeys@example.com", PasswordHash: "x"})
	_, err = svc.BeginLogin(ctx, "nokeys@example.com")
	require.ErrorIs(t, err, service.ErrUnknownCredential)
}

func TestFinishLoginRejectsUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)

	_, _, err := svc.FinishLogin(context.Background(), "bogus", "dev", strings.NewReader("{}"))
	require.ErrorIs(t, err, service.ErrChallengeInvalid)

	_, _, err = svc.FinishLogin(context.Background(), "", "dev", strings.NewReader("{}"))
	require.ErrorIs(t, err, service.ErrChallengeInvalid)
}

func TestListAndDeleteCredentials(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)
	ctx := context.Background()
	user := env.addUser(t, domain.User{Email: "mgr@example.com", PasswordHash: "x"})

	require.NoError(t, env.passkeys.Create(ctx, domain.PasskeyCredential{
		CredentialID: []byte("cred-a"), UserID: user.ID, PublicKey: []byte("pk"), DeviceName: "laptop",
	}))
	require.NoError(t, env.passkeys.Create(ctx, domain.PasskeyCredential{
		CredentialID: []byte("cred-b"), UserID: user.ID, PublicKey: []byte("pk"), DeviceName: "phone",
	}))

	creds, err := svc.ListCredentials(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 2)

	require.NoError(t, svc.DeleteCredential(ctx, user.ID, []byte("cred-a")))
	creds, err = svc.ListCredentials(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)

	// Deleting an unknown credential.
	err = svc.DeleteCredential(ctx, user.ID, []byte("cred-zzz"))
	require.ErrorIs(t, err, service.ErrUnknownCredential)
}

func TestDeleteLastCredentialBlocked(t *testing.T) {
	env := newTestEnv(t)
	svc := newPasskeyService(t, env)
	ctx := context.Background()

	// Passkey-only account: its single credential cannot be removed.
	user := env.addUser(t, domain.User{Email: "passkeyonly@example.com"})
	require.NoError(t, env.passkeys.Create(ctx, domain.PasskeyCredential{
		CredentialID: []byte("solo"), UserID: user.ID, PublicKey: []byte("pk"),
	}))

	err := svc.DeleteCredential(ctx, user.ID, []byte("solo"))
	require.ErrorIs(t, err, service.ErrLastAuthMethod)

	// With a password as fallback the same delete succeeds.
	require.NoError(t, env.users.update(user.ID, func(u *domain.User) { u.PasswordHash = "x" }))
	require.NoError(t, svc.DeleteCredential(ctx, user.ID, []byte("solo")))
}

func TestDuplicateCredentialIDRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, domain.User{Email: "dup-a@example.com", PasswordHash: "x"})
	b := env.addUser(t, domain.User{Email: "dup-b@example.com", PasswordHash: "x"})

	require.NoError(t, env.passkeys.Create(ctx, domain.PasskeyCredential{
		CredentialID: []byte("shared"), UserID: a.ID, PublicKey: []byte("pk"),
	}))
	err := env.passkeys.Create(ctx, domain.PasskeyCredential{
		CredentialID: []byte("shared"), UserID: b.ID, PublicKey: []byte("pk"),
	})
	require.Error(t, err)
}
