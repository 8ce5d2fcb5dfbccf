package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/crewdesk/crewdesk-auth/internal/config"
	"github.com/crewdesk/crewdesk-auth/internal/domain"
	"github.com/crewdesk/crewdesk-auth/internal/repository"
)

const (
	registerChallengePrefix = "webauthn:register:"
	loginChallengePrefix    = "webauthn:login:"

	userHandleBytes     = 32
	challengeTokenBytes = 32
)

// challengeEnvelope is the cached ceremony state between begin and finish.
type challengeEnvelope struct {
	UserID  int64                `json:"user_id,omitempty"`
	Session webauthn.SessionData `json:"session"`
}

// CeremonyStart carries the client options and the opaque token that the
// finish call must present.
type CeremonyStart struct {
	Options any
	Token   string
}

// PasskeyService runs WebAuthn registration and login ceremonies and manages
// stored credentials.
type PasskeyService struct {
	users        repository.UserRepository
	passkeys     repository.PasskeyRepository
	cache        repository.Cache
	tokens       *TokenService
	webauthn     *webauthn.WebAuthn
	challengeTTL time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewWebAuthn builds the go-webauthn relying party from config.
func NewWebAuthn(cfg config.Config) (*webauthn.WebAuthn, error) {
	if strings.TrimSpace(cfg.RPID) == "" || strings.TrimSpace(cfg.RPOrigin) == "" {
		return nil, fmt.Errorf("webauthn relying party id and origin are required")
	}
	wcfg := &webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPDisplayName,
		RPOrigins:             []string{cfg.RPOrigin},
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			RequireResidentKey: protocol.ResidentKeyRequired(),
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			UserVerification:   protocol.VerificationRequired,
		},
	}
	w, err := webauthn.New(wcfg)
	if err != nil {
		return nil, fmt.Errorf("initialize webauthn: %w", err)
	}
	return w, nil
}

// NewPasskeyService wires dependencies.
func NewPasskeyService(
	users repository.UserRepository,
	passkeys repository.PasskeyRepository,
	cache repository.Cache,
	tokens *TokenService,
	wa *webauthn.WebAuthn,
	challengeTTL time.Duration,
	logger *zap.Logger,
) *PasskeyService {
	return &PasskeyService{
		users:        users,
		passkeys:     passkeys,
		cache:        cache,
		tokens:       tokens,
		webauthn:     wa,
		challengeTTL: challengeTTL,
		logger:       logger,
		tracer:       otel.Tracer("github.com/crewdesk/crewdesk-auth/internal/service"),
	}
}

// BeginRegistration starts a credential registration ceremony for an
// authenticated user. The challenge lives server-side; the caller only gets
// an opaque token.
func (s *PasskeyService) BeginRegistration(ctx context.Context, userID int64) (*CeremonyStart, error) {
	ctx, span := s.startSpan(ctx, "PasskeyService.BeginRegistration")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.Status != domain.StatusActive {
		return nil, ErrAccountSuspended
	}
	if err := s.ensureHandle(ctx, &user); err != nil {
		return nil, err
	}

	wu, err := s.webauthnUserFor(ctx, user)
	if err != nil {
		return nil, err
	}

	creation, sessionData, err := s.webauthn.BeginRegistration(
		wu,
		webauthn.WithExclusions(wu.descriptors()),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	token, err := s.storeChallenge(ctx, registerChallengePrefix, challengeEnvelope{UserID: user.ID, Session: *sessionData})
	if err != nil {
		return nil, err
	}
	return &CeremonyStart{Options: creation, Token: token}, nil
}

// FinishRegistration verifies the attestation response and stores the new
// credential. A credential ID already registered (to anyone) is rejected.
func (s *PasskeyService) FinishRegistration(ctx context.Context, userID int64, token, deviceName string, body io.Reader) (domain.PasskeyCredential, error) {
	ctx, span := s.startSpan(ctx, "PasskeyService.FinishRegistration")
	defer span.End()

	envelope, err := s.consumeChallenge(ctx, registerChallengePrefix, token)
	if err != nil {
		return domain.PasskeyCredential{}, err
	}
	if envelope.UserID != userID {
		return domain.PasskeyCredential{}, ErrChallengeInvalid
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.PasskeyCredential{}, ErrUserNotFound
		}
		return domain.PasskeyCredential{}, fmt.Errorf("load user: %w", err)
	}
	wu, err := s.webauthnUserFor(ctx, user)
	if err != nil {
		return domain.PasskeyCredential{}, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return domain.PasskeyCredential{}, ErrChallengeInvalid
	}
	credential, err := s.webauthn.CreateCredential(wu, envelope.Session, parsed)
	if err != nil {
		return domain.PasskeyCredential{}, ErrChallengeInvalid
	}

	stored := domain.PasskeyCredential{
		CredentialID:   credential.ID,
		UserID:         user.ID,
		PublicKey:      credential.PublicKey,
		SignCount:      credential.Authenticator.SignCount,
		Transports:     transportStrings(credential.Transport),
		AAGUID:         credential.Authenticator.AAGUID,
		BackupEligible: credential.Flags.BackupEligible,
		BackupState:    credential.Flags.BackupState,
		DeviceName:     strings.TrimSpace(deviceName),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.passkeys.Create(ctx, stored); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.PasskeyCredential{}, ErrCredentialExists
		}
		return domain.PasskeyCredential{}, fmt.Errorf("store credential: %w", err)
	}
	s.audit("passkey.registered", "user_id", user.ID, "device", stored.DeviceName)
	return stored, nil
}

// BeginLogin starts an assertion ceremony. With an email hint the allowed
// credential list is scoped to that account; without one the ceremony is
// discoverable and the authenticator picks the identity.
func (s *PasskeyService) BeginLogin(ctx context.Context, email string) (*CeremonyStart, error) {
	ctx, span := s.startSpan(ctx, "PasskeyService.BeginLogin")
	defer span.End()

	if strings.TrimSpace(email) == "" {
		assertion, sessionData, err := s.webauthn.BeginDiscoverableLogin(
			webauthn.WithUserVerification(protocol.VerificationRequired),
		)
		if err != nil {
			return nil, fmt.Errorf("begin discoverable login: %w", err)
		}
		token, err := s.storeChallenge(ctx, loginChallengePrefix, challengeEnvelope{Session: *sessionData})
		if err != nil {
			return nil, err
		}
		return &CeremonyStart{Options: assertion, Token: token}, nil
	}

	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Same failure surface as a real account with no passkeys.
			return nil, ErrUnknownCredential
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	wu, err := s.webauthnUserFor(ctx, user)
	if err != nil {
		return nil, err
	}
	if len(wu.credentials) == 0 {
		return nil, ErrUnknownCredential
	}

	assertion, sessionData, err := s.webauthn.BeginLogin(
		wu,
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}
	token, err := s.storeChallenge(ctx, loginChallengePrefix, challengeEnvelope{UserID: user.ID, Session: *sessionData})
	if err != nil {
		return nil, err
	}
	return &CeremonyStart{Options: assertion, Token: token}, nil
}

// FinishLogin verifies the assertion and issues a token pair. A signature
// counter that fails to advance past the stored value marks a possible
// cloned authenticator and the login is refused.
func (s *PasskeyService) FinishLogin(ctx context.Context, token, deviceInfo string, body io.Reader) (domain.User, *TokenPair, error) {
	ctx, span := s.startSpan(ctx, "PasskeyService.FinishLogin")
	defer span.End()

	envelope, err := s.consumeChallenge(ctx, loginChallengePrefix, token)
	if err != nil {
		return domain.User{}, nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return domain.User{}, nil, ErrChallengeInvalid
	}

	var (
		resolved   domain.User
		credential *webauthn.Credential
	)
	if envelope.UserID != 0 {
		user, loadErr := s.users.GetByID(ctx, envelope.UserID)
		if loadErr != nil {
			return domain.User{}, nil, ErrUnknownCredential
		}
		wu, adaptErr := s.webauthnUserFor(ctx, user)
		if adaptErr != nil {
			return domain.User{}, nil, adaptErr
		}
		credential, err = s.webauthn.ValidateLogin(wu, envelope.Session, parsed)
		if err != nil {
			return domain.User{}, nil, ErrUnknownCredential
		}
		resolved = user
	} else {
		handler := func(rawID, userHandle []byte) (webauthn.User, error) {
			return s.resolveByCredentialID(ctx, rawID)
		}
		wu, cred, validateErr := s.webauthn.ValidatePasskeyLogin(handler, envelope.Session, parsed)
		if validateErr != nil {
			return domain.User{}, nil, ErrUnknownCredential
		}
		adapter, ok := wu.(*webauthnUser)
		if !ok {
			return domain.User{}, nil, ErrUnknownCredential
		}
		credential = cred
		resolved = adapter.user
	}

	if credential.Authenticator.CloneWarning {
		s.audit("passkey.replay_detected", "user_id", resolved.ID)
		return domain.User{}, nil, ErrReplayDetected
	}
	if resolved.Status != domain.StatusActive {
		return domain.User{}, nil, ErrAccountSuspended
	}

	now := time.Now().UTC()
	if err := s.passkeys.UpdateSignCount(ctx, credential.ID, credential.Authenticator.SignCount, now); err != nil {
		// Without the persisted counter the next assertion cannot be
		// replay-checked, so the login fails closed.
		span.RecordError(err)
		s.audit("passkey.counter_persist_failed", "user_id", resolved.ID)
		return domain.User{}, nil, fmt.Errorf("persist sign count: %w", err)
	}
	if err := s.users.UpdateLastLogin(ctx, resolved.ID, now); err != nil {
		s.log().Warn("last login update failed", zap.Error(err))
	}

	pair, err := s.tokens.Issue(ctx, resolved, deviceInfo)
	if err != nil {
		return domain.User{}, nil, err
	}
	s.audit("passkey.login", "user_id", resolved.ID)
	return resolved, pair, nil
}

// ListCredentials returns the user's registered passkeys.
func (s *PasskeyService) ListCredentials(ctx context.Context, userID int64) ([]domain.PasskeyCredential, error) {
	creds, err := s.passkeys.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

// DeleteCredential removes one passkey, refusing when it is the user's last
// remaining authentication method.
func (s *PasskeyService) DeleteCredential(ctx context.Context, userID int64, credentialID []byte) error {
	ctx, span := s.startSpan(ctx, "PasskeyService.DeleteCredential")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("load user: %w", err)
	}
	count, err := s.passkeys.CountByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("count passkeys: %w", err)
	}
	if user.AuthMethodCount()+count <= 1 {
		return ErrLastAuthMethod
	}

	if err := s.passkeys.Delete(ctx, userID, credentialID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUnknownCredential
		}
		return fmt.Errorf("delete credential: %w", err)
	}
	s.audit("passkey.deleted", "user_id", userID)
	return nil
}

// ensureHandle lazily assigns the stable random WebAuthn user handle.
func (s *PasskeyService) ensureHandle(ctx context.Context, user *domain.User) error {
	if len(user.WebAuthnHandle) > 0 {
		return nil
	}
	handle := make([]byte, userHandleBytes)
	if _, err := rand.Read(handle); err != nil {
		return fmt.Errorf("generate user handle: %w", err)
	}
	if err := s.users.SetWebAuthnHandle(ctx, user.ID, handle); err != nil {
		return fmt.Errorf("persist user handle: %w", err)
	}
	// Re-read: a concurrent ceremony may have won the IS NULL guard.
	fresh, err := s.users.GetByID(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("reload user: %w", err)
	}
	*user = fresh
	return nil
}

func (s *PasskeyService) resolveByCredentialID(ctx context.Context, rawID []byte) (*webauthnUser, error) {
	cred, err := s.passkeys.GetByCredentialID(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	user, err := s.users.GetByID(ctx, cred.UserID)
	if err != nil {
		return nil, fmt.Errorf("lookup credential owner: %w", err)
	}
	return s.webauthnUserFor(ctx, user)
}

func (s *PasskeyService) webauthnUserFor(ctx context.Context, user domain.User) (*webauthnUser, error) {
	creds, err := s.passkeys.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return newWebauthnUser(user, creds), nil
}

func (s *PasskeyService) storeChallenge(ctx context.Context, prefix string, envelope challengeEnvelope) (string, error) {
	token, err := secureRandomString(challengeTokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate challenge token: %w", err)
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.cache.Set(ctx, prefix+token, string(payload), s.challengeTTL); err != nil {
		return "", fmt.Errorf("persist challenge: %w", err)
	}
	return token, nil
}

// consumeChallenge is a single atomic get-and-delete so each ceremony token
// verifies at most once.
func (s *PasskeyService) consumeChallenge(ctx context.Context, prefix, token string) (challengeEnvelope, error) {
	if strings.TrimSpace(token) == "" {
		return challengeEnvelope{}, ErrChallengeInvalid
	}
	raw, found, err := s.cache.GetDel(ctx, prefix+token)
	if err != nil {
		s.log().Error("challenge consume failed, denying", zap.Error(err))
		return challengeEnvelope{}, ErrChallengeInvalid
	}
	if !found {
		return challengeEnvelope{}, ErrChallengeInvalid
	}
	var envelope challengeEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return challengeEnvelope{}, fmt.Errorf("decode challenge: %w", err)
	}
	return envelope, nil
}

// webauthnUser adapts a domain user and their stored credentials to the
// go-webauthn User interface.
type webauthnUser struct {
	user        domain.User
	credentials []webauthn.Credential
}

func newWebauthnUser(user domain.User, stored []domain.PasskeyCredential) *webauthnUser {
	converted := make([]webauthn.Credential, 0, len(stored))
	for i := range stored {
		c := &stored[i]
		converted = append(converted, webauthn.Credential{
			ID:        c.CredentialID,
			PublicKey: c.PublicKey,
			Transport: parseTransports(c.Transports),
			Flags: webauthn.CredentialFlags{
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		})
	}
	return &webauthnUser{user: user, credentials: converted}
}

func (u *webauthnUser) WebAuthnID() []byte { return u.user.WebAuthnHandle }

func (u *webauthnUser) WebAuthnName() string { return u.user.Email }

func (u *webauthnUser) WebAuthnDisplayName() string {
	if u.user.Name != "" {
		return u.user.Name
	}
	return u.user.Email
}

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func (u *webauthnUser) descriptors() []protocol.CredentialDescriptor {
	if len(u.credentials) == 0 {
		return nil
	}
	out := make([]protocol.CredentialDescriptor, 0, len(u.credentials))
	for i := range u.credentials {
		out = append(out, u.credentials[i].Descriptor())
	}
	return out
}

func transportStrings(transports []protocol.AuthenticatorTransport) []string {
	if len(transports) == 0 {
		return nil
	}
	out := make([]string, 0, len(transports))
	for _, t := range transports {
		out = append(out, string(t))
	}
	return out
}

func parseTransports(transports []string) []protocol.AuthenticatorTransport {
	if len(transports) == 0 {
		return nil
	}
	out := make([]protocol.AuthenticatorTransport, 0, len(transports))
	for _, t := range transports {
		out = append(out, protocol.AuthenticatorTransport(t))
	}
	return out
}

func (s *PasskeyService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *PasskeyService) audit(event string, attrs ...any) {
	auditLog(s.log(), event, attrs...)
}

func (s *PasskeyService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
