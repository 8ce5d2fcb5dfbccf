package password_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crewdesk/crewdesk-auth/internal/password"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := password.Hash("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$"))

	ok, err := password.Verify("correct horse battery staple", hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = password.Verify("wrong password", hash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashUniqueSalts(t *testing.T) {
	first, err := password.Hash("same input")
	require.NoError(t, err)
	second, err := password.Hash("same input")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2id$v=19$m=65536,t=3,p=2$notbase64!!$alsonot",
		"$bcrypt$whatever",
	} {
		ok, err := password.Verify("anything", encoded)
		require.False(t, ok)
		require.Error(t, err, "hash %q should be rejected", encoded)
	}
}

func TestVerifyHonorsEmbeddedParams(t *testing.T) {
	params := password.Params{Time: 1, Memory: 16 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}
	hash, err := password.HashWithParams("pw with custom cost", params)
	require.NoError(t, err)

	ok, err := password.Verify("pw with custom cost", hash)
	require.NoError(t, err)
	require.True(t, ok)
}
