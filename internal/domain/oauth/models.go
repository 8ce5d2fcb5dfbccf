package oauth

import "time"

// Provider identifies a supported external identity provider. Each provider
// has its own column on the users table; there is no string-keyed field
// indirection anywhere in the linking code.
type Provider string

// Supported providers.
const (
	ProviderGoogle Provider = "google"
	ProviderGithub Provider = "github"
)

// Valid reports whether p names a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderGoogle || p == ProviderGithub
}

// ProviderConfig holds the endpoints and client credentials for one IdP.
// EmailListURL is set for providers whose userinfo endpoint can omit the
// email (GitHub hides it when the account's email visibility is private).
type ProviderConfig struct {
	Provider     Provider
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	EmailListURL string
	Scopes       []string
	UsePKCE      bool
}

// State is the one-time payload persisted between the authorization redirect
// and the provider callback. It is deleted on first read.
type State struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	Provider     Provider  `json:"provider"`
	RedirectURI  string    `json:"redirect_uri"`
	ReturnTo     string    `json:"return_to,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TokenResponse models the IdP token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	IDToken      string
	Scope        string
	Raw          map[string]any
}

// Profile is the normalized identity returned by an IdP userinfo endpoint.
type Profile struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	Provider      Provider
}
