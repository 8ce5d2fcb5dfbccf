package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	oauthadapter "github.com/crewdesk/crewdesk-auth/internal/adapter/oauth"
	"github.com/crewdesk/crewdesk-auth/internal/config"
	"github.com/crewdesk/crewdesk-auth/internal/domain"
	domainoauth "github.com/crewdesk/crewdesk-auth/internal/domain/oauth"
	"github.com/crewdesk/crewdesk-auth/internal/repository"
)

const stateKeyPrefix = "oauth:pkce:"

// StartAuthorizationOutput returns the prepared authorization URL and state.
type StartAuthorizationOutput struct {
	AuthorizationURL string
	State            string
}

// CallbackResult is the resolved local identity for a provider callback.
type CallbackResult struct {
	User      domain.User
	IsNewUser bool
	ReturnTo  string
}

// OAuthService exchanges provider authorization codes for local identities
// and applies the account-linking rules.
type OAuthService struct {
	providers      map[domainoauth.Provider]domainoauth.ProviderConfig
	users          repository.UserRepository
	passkeys       repository.PasskeyRepository
	cache          repository.Cache
	providerClient oauthadapter.ProviderClient
	snowflake      *snowflake.Node
	stateTTL       time.Duration
	logger         *zap.Logger
	tracer         trace.Tracer
}

// NewOAuthService wires the OAuth linker.
func NewOAuthService(
	cfg config.Config,
	users repository.UserRepository,
	passkeys repository.PasskeyRepository,
	cache repository.Cache,
	providerClient oauthadapter.ProviderClient,
	node *snowflake.Node,
	logger *zap.Logger,
) *OAuthService {
	return &OAuthService{
		providers:      buildProviderRegistry(cfg),
		users:          users,
		passkeys:       passkeys,
		cache:          cache,
		providerClient: providerClient,
		snowflake:      node,
		stateTTL:       cfg.StateTTL,
		logger:         logger,
		tracer:         otel.Tracer("github.com/crewdesk/crewdesk-auth/internal/service"),
	}
}

// buildProviderRegistry materializes the closed provider set from config.
// Providers without credentials are left out and surface as unknown.
func buildProviderRegistry(cfg config.Config) map[domainoauth.Provider]domainoauth.ProviderConfig {
	registry := make(map[domainoauth.Provider]domainoauth.ProviderConfig, 2)
	if cfg.GoogleClientID != "" {
		registry[domainoauth.ProviderGoogle] = domainoauth.ProviderConfig{
			Provider:     domainoauth.ProviderGoogle,
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			UserInfoURL:  "https://openidconnect.googleapis.com/v1/userinfo",
			Scopes:       []string{"openid", "profile", "email"},
			UsePKCE:      true,
		}
	}
	if cfg.GithubClientID != "" {
		registry[domainoauth.ProviderGithub] = domainoauth.ProviderConfig{
			Provider:     domainoauth.ProviderGithub,
			ClientID:     cfg.GithubClientID,
			ClientSecret: cfg.GithubClientSecret,
			AuthURL:      "https://github.com/login/oauth/authorize",
			TokenURL:     "https://github.com/login/oauth/access_token",
			UserInfoURL:  "https://api.github.com/user",
			EmailListURL: "https://api.github.com/user/emails",
			Scopes:       []string{"read:user", "user:email"},
			UsePKCE:      false,
		}
	}
	return registry
}

// Initiate builds the provider authorization URL and stores the one-time
// state payload (with PKCE verifier where the provider supports it).
// redirectURI is this service's callback endpoint; returnTo is where the
// browser lands after the callback completes.
func (s *OAuthService) Initiate(ctx context.Context, provider domainoauth.Provider, redirectURI, returnTo string) (*StartAuthorizationOutput, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.Initiate")
	defer span.End()

	cfg, ok := s.providers[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	redirect := strings.TrimSpace(redirectURI)
	if redirect == "" {
		return nil, ErrUnknownProvider
	}

	state, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	payload := domainoauth.State{
		State:       state,
		Nonce:       nonce,
		Provider:    provider,
		RedirectURI: redirect,
		ReturnTo:    strings.TrimSpace(returnTo),
		CreatedAt:   time.Now().UTC(),
	}

	authURL, err := url.Parse(cfg.AuthURL)
	if err != nil {
		return nil, fmt.Errorf("parse auth url: %w", err)
	}
	params := authURL.Query()
	params.Set("client_id", cfg.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", redirect)
	params.Set("scope", strings.Join(cfg.Scopes, " "))
	params.Set("state", state)
	params.Set("nonce", nonce)

	if cfg.UsePKCE {
		verifier, err := secureRandomString(64)
		if err != nil {
			return nil, fmt.Errorf("generate pkce verifier: %w", err)
		}
		payload.CodeVerifier = verifier
		params.Set("code_challenge", pkceChallenge(verifier))
		params.Set("code_challenge_method", "S256")
	}
	authURL.RawQuery = params.Encode()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	if err := s.cache.Set(ctx, stateKeyPrefix+state, string(encoded), s.stateTTL); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist state: %w", err)
	}

	return &StartAuthorizationOutput{AuthorizationURL: authURL.String(), State: state}, nil
}

// Callback consumes the state, exchanges the code, and resolves the provider
// profile to a local identity. The state read is a single atomic
// get-and-delete: a replayed or already-consumed state fails here.
func (s *OAuthService) Callback(ctx context.Context, provider domainoauth.Provider, code, state string) (*CallbackResult, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.Callback")
	defer span.End()

	cfg, ok := s.providers[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	if strings.TrimSpace(code) == "" || strings.TrimSpace(state) == "" {
		return nil, ErrInvalidState
	}

	raw, found, err := s.cache.GetDel(ctx, stateKeyPrefix+state)
	if err != nil {
		span.RecordError(err)
		s.log().Error("state consume failed, denying", zap.Error(err))
		return nil, ErrInvalidState
	}
	if !found {
		return nil, ErrInvalidState
	}
	var stored domainoauth.State
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if stored.Provider != provider {
		return nil, ErrInvalidState
	}

	tokenResp, err := s.providerClient.ExchangeCode(ctx, cfg, code, stored.CodeVerifier, stored.RedirectURI)
	if err != nil {
		span.RecordError(err)
		s.log().Warn("code exchange failed", zap.String("provider", string(provider)), zap.Error(err))
		return nil, ErrExchangeFailed
	}
	if strings.TrimSpace(tokenResp.AccessToken) == "" {
		return nil, ErrExchangeFailed
	}

	profile, err := s.providerClient.FetchProfile(ctx, cfg, tokenResp.AccessToken)
	if err != nil {
		span.RecordError(err)
		return nil, ErrExchangeFailed
	}
	if strings.TrimSpace(profile.Subject) == "" || strings.TrimSpace(profile.Email) == "" {
		return nil, ErrExchangeFailed
	}

	result, err := s.resolveIdentity(ctx, provider, profile)
	if err != nil {
		return nil, err
	}
	result.ReturnTo = stored.ReturnTo
	s.audit("oauth.callback", "provider", string(provider), "user_id", result.User.ID, "new_user", result.IsNewUser)
	return result, nil
}

// resolveIdentity applies the linking rules in order: provider-ID match,
// then email match (link), then create.
func (s *OAuthService) resolveIdentity(ctx context.Context, provider domainoauth.Provider, profile *domainoauth.Profile) (*CallbackResult, error) {
	now := time.Now().UTC()

	user, err := s.users.GetByProviderID(ctx, provider, profile.Subject)
	switch {
	case err == nil:
		if err := s.users.UpdateProfile(ctx, user.ID, profile.Name, profile.Picture, profile.EmailVerified); err != nil {
			s.log().Warn("profile refresh failed", zap.Error(err))
		}
		if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
			s.log().Warn("last login update failed", zap.Error(err))
		}
		if user.Status != domain.StatusActive {
			return nil, ErrAccountSuspended
		}
		return &CallbackResult{User: user}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("lookup by provider id: %w", err)
	}

	user, err = s.users.GetByEmail(ctx, profile.Email)
	switch {
	case err == nil:
		if user.Status != domain.StatusActive {
			return nil, ErrAccountSuspended
		}
		if err := s.users.LinkProvider(ctx, user.ID, provider, profile.Subject); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				// The provider subject is linked to a different account.
				return nil, ErrExchangeFailed
			}
			return nil, fmt.Errorf("link provider: %w", err)
		}
		// Adds information only: email_verified never downgrades, and
		// name/avatar fill blanks without clobbering user edits.
		if err := s.users.UpdateProfile(ctx, user.ID, profile.Name, profile.Picture, profile.EmailVerified); err != nil {
			s.log().Warn("profile refresh failed", zap.Error(err))
		}
		if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
			s.log().Warn("last login update failed", zap.Error(err))
		}
		s.audit("oauth.linked", "provider", string(provider), "user_id", user.ID)
		user, _ = s.users.GetByID(ctx, user.ID)
		return &CallbackResult{User: user}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("lookup by email: %w", err)
	}

	newUser := domain.User{
		ID:            s.snowflake.Generate().Int64(),
		Email:         profile.Email,
		EmailVerified: profile.EmailVerified,
		Name:          profile.Name,
		AvatarURL:     profile.Picture,
		Role:          domain.RoleMember,
		Status:        domain.StatusActive,
	}
	switch provider {
	case domainoauth.ProviderGoogle:
		newUser.GoogleID = profile.Subject
	case domainoauth.ProviderGithub:
		newUser.GithubID = profile.Subject
	}

	created, err := s.users.Create(ctx, newUser)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a race with a concurrent registration for the same email.
			if existing, lookupErr := s.users.GetByEmail(ctx, profile.Email); lookupErr == nil {
				return &CallbackResult{User: existing}, nil
			}
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &CallbackResult{User: created, IsNewUser: true}, nil
}

// Unlink removes a provider link, refusing when it is the last remaining
// authentication method (the same invariant guards passkey deletion).
func (s *OAuthService) Unlink(ctx context.Context, userID int64, provider domainoauth.Provider) error {
	ctx, span := s.startSpan(ctx, "OAuthService.Unlink")
	defer span.End()

	if !provider.Valid() {
		return ErrUnknownProvider
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("load user: %w", err)
	}

	linked := (provider == domainoauth.ProviderGoogle && user.GoogleID != "") ||
		(provider == domainoauth.ProviderGithub && user.GithubID != "")
	if !linked {
		return ErrProviderUnlinked
	}

	passkeyCount, err := s.passkeys.CountByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("count passkeys: %w", err)
	}
	if user.AuthMethodCount()+passkeyCount <= 1 {
		return ErrLastAuthMethod
	}

	if err := s.users.UnlinkProvider(ctx, userID, provider); err != nil {
		return fmt.Errorf("unlink provider: %w", err)
	}
	s.audit("oauth.unlinked", "provider", string(provider), "user_id", userID)
	return nil
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (s *OAuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *OAuthService) audit(event string, attrs ...any) {
	auditLog(s.log(), event, attrs...)
}

func (s *OAuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
