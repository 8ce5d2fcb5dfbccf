package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/crewdesk/crewdesk-auth/internal/domain"
	"github.com/crewdesk/crewdesk-auth/internal/jwt"
	"github.com/crewdesk/crewdesk-auth/internal/repository"
)

// Cache key namespaces. These must not collide.
const (
	sessionKeyPrefix  = "session:"
	denylistKeyPrefix = "denylist:"
	userSessionsKey   = "user:sessions:"
)

// TokenPair is one issued access/refresh pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Identity is the authenticated principal carried by a verified token.
type Identity struct {
	UserID    int64
	Email     string
	Role      string
	SessionID string
}

// TokenService issues, verifies, refreshes, and revokes the token pair and
// owns the session and denylist cache entries.
type TokenService struct {
	users      repository.UserRepository
	cache      repository.Cache
	jwt        *jwt.Generator
	sessionTTL time.Duration
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewTokenService wires dependencies.
func NewTokenService(users repository.UserRepository, cache repository.Cache, generator *jwt.Generator, sessionTTL time.Duration, logger *zap.Logger) *TokenService {
	return &TokenService{
		users:      users,
		cache:      cache,
		jwt:        generator,
		sessionTTL: sessionTTL,
		logger:     logger,
		tracer:     otel.Tracer("github.com/crewdesk/crewdesk-auth/internal/service"),
	}
}

// Issue creates a fresh session and signs a token pair against it. This is
// the terminal step of every authenticator flow: nothing is persisted here
// until all fail-fast checks in the caller have passed.
func (s *TokenService) Issue(ctx context.Context, user domain.User, deviceInfo string) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "TokenService.Issue")
	defer span.End()

	session := domain.Session{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		Email:      user.Email,
		Role:       user.Role,
		DeviceInfo: deviceInfo,
		CreatedAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.cache.Set(ctx, sessionKeyPrefix+session.ID, string(payload), s.sessionTTL); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist session: %w", err)
	}
	// Index for bulk revocation (password reset). TTL matches the refresh
	// window so stale IDs age out with their tokens.
	if err := s.cache.SetAdd(ctx, userSessionsKey+sessionUserKey(user.ID), session.ID, s.jwt.RefreshTTL()); err != nil {
		s.log().Warn("session index update failed", zap.Error(err))
	}

	access, err := s.jwt.SignAccessToken(user.ID, user.Email, user.Role, session.ID)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.jwt.SignRefreshToken(user.ID, session.ID)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.jwt.AccessTTL().Seconds()),
	}, nil
}

// Verify authenticates an access token: signature and expiry, then denylist,
// then session existence. Cache failures on the latter two deny access
// (fail closed) because failing open would honor revoked tokens.
func (s *TokenService) Verify(ctx context.Context, token string) (*Identity, error) {
	std, custom, err := s.jwt.VerifyAccessToken(token)
	if err != nil {
		return nil, mapJWTError(err)
	}

	revoked, err := s.cache.Exists(ctx, denylistKeyPrefix+token)
	if err != nil {
		s.log().Error("denylist lookup failed, denying", zap.Error(err))
		return nil, ErrTokenRevoked
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	exists, err := s.cache.Exists(ctx, sessionKeyPrefix+custom.SessionID)
	if err != nil {
		s.log().Error("session lookup failed, denying", zap.Error(err))
		return nil, ErrTokenInvalid
	}
	if !exists {
		return nil, ErrTokenInvalid
	}

	userID, err := jwt.SubjectID(std)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	return &Identity{
		UserID:    userID,
		Email:     custom.Email,
		Role:      custom.Role,
		SessionID: custom.SessionID,
	}, nil
}

// Refresh rotates a refresh token. The backing session is consumed
// atomically, so a captured-and-replayed refresh token loses the race the
// moment the legitimate client refreshes: exactly one caller wins.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "TokenService.Refresh")
	defer span.End()

	std, custom, err := s.jwt.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, mapJWTError(err)
	}

	payload, found, err := s.cache.GetDel(ctx, sessionKeyPrefix+custom.SessionID)
	if err != nil {
		span.RecordError(err)
		s.log().Error("session consume failed, denying", zap.Error(err))
		return nil, ErrTokenInvalid
	}
	if !found {
		// Covers natural TTL expiry, prior logout, and replay of an
		// already-rotated token.
		return nil, ErrTokenInvalid
	}

	var old domain.Session
	if err := json.Unmarshal([]byte(payload), &old); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if err := s.cache.SetRemove(ctx, userSessionsKey+sessionUserKey(old.UserID), old.ID); err != nil {
		s.log().Warn("session index cleanup failed", zap.Error(err))
	}

	userID, err := jwt.SubjectID(std)
	if err != nil || userID != old.UserID {
		return nil, ErrTokenInvalid
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("refresh load user: %w", err)
	}
	if user.Status != domain.StatusActive {
		return nil, ErrAccountSuspended
	}

	pair, err := s.Issue(ctx, user, old.DeviceInfo)
	if err != nil {
		return nil, err
	}
	s.audit("token.refresh", "user_id", user.ID, "old_session", old.ID)
	return pair, nil
}

// Logout denylists the presented access token for its remaining lifetime and
// deletes its session. Safe to call repeatedly with the same token.
func (s *TokenService) Logout(ctx context.Context, token string) error {
	ctx, span := s.startSpan(ctx, "TokenService.Logout")
	defer span.End()

	std, custom, err := s.jwt.VerifyAccessToken(token)
	if err != nil && (!errors.Is(err, jwt.ErrTokenExpired) || custom == nil) {
		return ErrTokenInvalid
	}
	// An expired token needs no denylist entry, but its session (and with it
	// the paired refresh token) must still die.

	remaining := time.Until(std.Expiry.Time())
	if remaining > 0 {
		if err := s.cache.Set(ctx, denylistKeyPrefix+token, "1", remaining); err != nil {
			span.RecordError(err)
			return fmt.Errorf("denylist token: %w", err)
		}
	}
	if err := s.cache.Delete(ctx, sessionKeyPrefix+custom.SessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if userID, idErr := jwt.SubjectID(std); idErr == nil {
		if err := s.cache.SetRemove(ctx, userSessionsKey+sessionUserKey(userID), custom.SessionID); err != nil {
			s.log().Warn("session index cleanup failed", zap.Error(err))
		}
		s.audit("token.logout", "user_id", userID, "session", custom.SessionID)
	}
	return nil
}

// IsRevoked reports denylist membership for the exact token string.
func (s *TokenService) IsRevoked(ctx context.Context, token string) (bool, error) {
	return s.cache.Exists(ctx, denylistKeyPrefix+token)
}

// RevokeAllSessions destroys every active session of one user, via the
// per-user session index.
func (s *TokenService) RevokeAllSessions(ctx context.Context, userID int64) error {
	indexKey := userSessionsKey + sessionUserKey(userID)
	ids, err := s.cache.SetMembers(ctx, indexKey)
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKeyPrefix+id)
	}
	keys = append(keys, indexKey)
	if err := s.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	s.audit("token.revoke_all", "user_id", userID, "count", len(ids))
	return nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	return ErrTokenInvalid
}

func sessionUserKey(userID int64) string {
	return fmt.Sprintf("%d", userID)
}

func (s *TokenService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *TokenService) audit(event string, attrs ...any) {
	auditLog(s.log(), event, attrs...)
}

func (s *TokenService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
