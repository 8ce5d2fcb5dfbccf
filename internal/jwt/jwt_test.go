package jwt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewdesk/crewdesk-auth/internal/jwt"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestGenerator(accessTTL, refreshTTL time.Duration) *jwt.Generator {
	return jwt.NewGenerator(testSecret, "https://auth.test", "crewdesk", accessTTL, refreshTTL)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	g := newTestGenerator(15*time.Minute, time.Hour)

	token, err := g.SignAccessToken(42, "user@example.com", "member", "sess-1")
	require.NoError(t, err)

	std, custom, err := g.VerifyAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", custom.Email)
	require.Equal(t, "member", custom.Role)
	require.Equal(t, "sess-1", custom.SessionID)

	id, err := jwt.SubjectID(std)
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	g := newTestGenerator(15*time.Minute, time.Hour)

	token, err := g.SignRefreshToken(7, "sess-9")
	require.NoError(t, err)

	std, custom, err := g.VerifyRefreshToken(token)
	require.NoError(t, err)
	require.Equal(t, "sess-9", custom.SessionID)

	id, err := jwt.SubjectID(std)
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
}

func TestAccessTokenRejectedByRefreshVerifier(t *testing.T) {
	g := newTestGenerator(15*time.Minute, time.Hour)

	access, err := g.SignAccessToken(1, "a@b.c", "member", "sess-1")
	require.NoError(t, err)

	_, _, err = g.VerifyRefreshToken(access)
	require.ErrorIs(t, err, jwt.ErrTokenInvalid)
}

func TestExpiredTokenDistinctError(t *testing.T) {
	g := newTestGenerator(-time.Minute, time.Hour)

	token, err := g.SignAccessToken(1, "a@b.c", "member", "sess-1")
	require.NoError(t, err)

	_, _, err = g.VerifyAccessToken(token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestExpiredAccessTokenStillYieldsClaims(t *testing.T) {
	g := newTestGenerator(-time.Minute, time.Hour)

	token, err := g.SignAccessToken(5, "a@b.c", "member", "sess-5")
	require.NoError(t, err)

	std, custom, err := g.VerifyAccessToken(token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
	require.NotNil(t, std)
	require.NotNil(t, custom)
	require.Equal(t, "sess-5", custom.SessionID)
}

func TestTamperedTokenInvalid(t *testing.T) {
	g := newTestGenerator(15*time.Minute, time.Hour)

	token, err := g.SignAccessToken(1, "a@b.c", "member", "sess-1")
	require.NoError(t, err)

	other := jwt.NewGenerator([]byte("another-secret-another-secret-32"), "https://auth.test", "crewdesk", 15*time.Minute, time.Hour)
	_, _, err = other.VerifyAccessToken(token)
	require.ErrorIs(t, err, jwt.ErrTokenInvalid)
}

func TestWrongIssuerRejected(t *testing.T) {
	g := newTestGenerator(15*time.Minute, time.Hour)
	token, err := g.SignAccessToken(1, "a@b.c", "member", "sess-1")
	require.NoError(t, err)

	other := jwt.NewGenerator(testSecret, "https://other.test", "crewdesk", 15*time.Minute, time.Hour)
	_, _, err = other.VerifyAccessToken(token)
	require.ErrorIs(t, err, jwt.ErrTokenInvalid)
}
