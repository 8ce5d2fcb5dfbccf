package oauth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	oauthadapter "github.com/crewdesk/crewdesk-auth/internal/adapter/oauth"
	domainoauth "github.com/crewdesk/crewdesk-auth/internal/domain/oauth"
)

func githubConfig(baseURL string) domainoauth.ProviderConfig {
	return domainoauth.ProviderConfig{
		Provider:     domainoauth.ProviderGithub,
		UserInfoURL:  baseURL + "/user",
		EmailListURL: baseURL + "/user/emails",
	}
}

func TestFetchProfileGithubPrivateEmail(t *testing.T) {
	var emailsHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/user":
			// Private email visibility: GitHub serves "email": null here.
			w.Write([]byte(`{"id": 12345, "login": "octocat", "email": null, "avatar_url": "https://img.test/a.png"}`))
		case "/user/emails":
			emailsHits++
			w.Write([]byte(`[
				{"email": "octo@work.test", "primary": false, "verified": true},
				{"email": "Octo@Example.com", "primary": true, "verified": true},
				{"email": "old@example.com", "primary": false, "verified": false}
			]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := oauthadapter.NewHTTPProviderClient(srv.Client())
	profile, err := client.FetchProfile(context.Background(), githubConfig(srv.URL), "gh-token")
	require.NoError(t, err)
	require.Equal(t, 1, emailsHits)
	require.Equal(t, "12345", profile.Subject)
	require.Equal(t, "octo@example.com", profile.Email)
	require.True(t, profile.EmailVerified)
	require.Equal(t, "octocat", profile.Name)
}

func TestFetchProfileGithubPublicEmailSkipsEmailList(t *testing.T) {
	var emailsHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user":
			w.Write([]byte(`{"id": 7, "login": "pub", "email": "Pub@Example.com"}`))
		case "/user/emails":
			emailsHits++
			w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := oauthadapter.NewHTTPProviderClient(srv.Client())
	profile, err := client.FetchProfile(context.Background(), githubConfig(srv.URL), "gh-token")
	require.NoError(t, err)
	require.Zero(t, emailsHits)
	require.Equal(t, "pub@example.com", profile.Email)
	require.True(t, profile.EmailVerified)
}

func TestFetchProfileGithubNoVerifiedEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user":
			w.Write([]byte(`{"id": 9, "login": "ghost", "email": null}`))
		case "/user/emails":
			w.Write([]byte(`[{"email": "ghost@example.com", "primary": true, "verified": false}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := oauthadapter.NewHTTPProviderClient(srv.Client())
	profile, err := client.FetchProfile(context.Background(), githubConfig(srv.URL), "gh-token")
	require.NoError(t, err)
	require.Empty(t, profile.Email)
	require.False(t, profile.EmailVerified)
}

func TestFetchProfileGoogle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/userinfo", r.URL.Path)
		w.Write([]byte(`{"sub": "g-123", "email": "User@Gmail.test", "email_verified": true, "name": "User", "picture": "https://img.test/u.png"}`))
	}))
	defer srv.Close()

	client := oauthadapter.NewHTTPProviderClient(srv.Client())
	profile, err := client.FetchProfile(context.Background(), domainoauth.ProviderConfig{
		Provider:    domainoauth.ProviderGoogle,
		UserInfoURL: srv.URL + "/userinfo",
	}, "g-token")
	require.NoError(t, err)
	require.Equal(t, "g-123", profile.Subject)
	require.Equal(t, "user@gmail.test", profile.Email)
	require.True(t, profile.EmailVerified)
}
