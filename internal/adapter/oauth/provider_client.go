package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domainoauth "github.com/crewdesk/crewdesk-auth/internal/domain/oauth"
)

// ProviderClient encapsulates outbound HTTP calls to external IdPs.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, provider domainoauth.ProviderConfig, code, codeVerifier, redirectURI string) (*domainoauth.TokenResponse, error)
	FetchProfile(ctx context.Context, provider domainoauth.ProviderConfig, accessToken string) (*domainoauth.Profile, error)
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client}
}

// ExchangeCode performs the OAuth token exchange.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, provider domainoauth.ProviderConfig, code, codeVerifier, redirectURI string) (*domainoauth.TokenResponse, error) {
	if strings.TrimSpace(provider.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", provider.ClientID)
	if provider.ClientSecret != "" {
		data.Set("client_secret", provider.ClientSecret)
	}
	if strings.TrimSpace(codeVerifier) != "" {
		data.Set("code_verifier", codeVerifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token exchange failed: status=%d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	token := &domainoauth.TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		IDToken:      stringValue(raw["id_token"]),
		Scope:        stringValue(raw["scope"]),
		Raw:          raw,
	}
	if exp := raw["expires_in"]; exp != nil {
		token.ExpiresIn = int64Value(exp)
	}
	return token, nil
}

// FetchProfile loads and normalizes the userinfo endpoint response.
func (c *HTTPProviderClient) FetchProfile(ctx context.Context, provider domainoauth.ProviderConfig, accessToken string) (*domainoauth.Profile, error) {
	if strings.TrimSpace(provider.UserInfoURL) == "" {
		return nil, fmt.Errorf("userinfo url missing")
	}
	body, err := c.getJSON(ctx, provider.UserInfoURL, accessToken)
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}

	profile := &domainoauth.Profile{
		Subject:  stringValue(coalesce(raw["sub"], raw["id"])),
		Email:    strings.ToLower(stringValue(coalesce(raw["email"], raw["mail"]))),
		Name:     stringValue(coalesce(raw["name"], raw["login"], raw["displayName"])),
		Picture:  stringValue(coalesce(raw["picture"], raw["avatar_url"])),
		Provider: provider.Provider,
	}
	switch v := raw["email_verified"].(type) {
	case bool:
		profile.EmailVerified = v
	case string:
		profile.EmailVerified = strings.EqualFold(v, "true")
	}
	// GitHub returns a numeric id and no email_verified claim; an email on
	// /user is the account's public one, which GitHub only exposes verified.
	if profile.Provider == domainoauth.ProviderGithub && profile.Email != "" {
		profile.EmailVerified = true
	}
	// Accounts with private email visibility return "email": null from the
	// userinfo endpoint; the dedicated email list still has it.
	if profile.Email == "" && provider.EmailListURL != "" {
		email, verified, err := c.fetchPrimaryEmail(ctx, provider, accessToken)
		if err != nil {
			return nil, err
		}
		profile.Email = email
		profile.EmailVerified = verified
	}
	return profile, nil
}

// fetchPrimaryEmail resolves the account email from the provider's email
// list endpoint, preferring the primary verified address.
func (c *HTTPProviderClient) fetchPrimaryEmail(ctx context.Context, provider domainoauth.ProviderConfig, accessToken string) (string, bool, error) {
	body, err := c.getJSON(ctx, provider.EmailListURL, accessToken)
	if err != nil {
		return "", false, fmt.Errorf("email list: %w", err)
	}

	var entries []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return "", false, fmt.Errorf("decode email list: %w", err)
	}

	best := -1
	for i, entry := range entries {
		if entry.Email == "" || !entry.Verified {
			continue
		}
		if entry.Primary {
			best = i
			break
		}
		if best < 0 {
			best = i
		}
	}
	if best < 0 {
		return "", false, nil
	}
	return strings.ToLower(entries[best].Email), true, nil
}

func (c *HTTPProviderClient) getJSON(ctx context.Context, endpoint, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status=%d", resp.StatusCode)
	}
	return body, nil
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func coalesce(values ...any) any {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) != "" {
				return v
			}
		case nil:
			continue
		default:
			return v
		}
	}
	return nil
}
