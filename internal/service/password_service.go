package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/crewdesk/crewdesk-auth/internal/domain"
	pw "github.com/crewdesk/crewdesk-auth/internal/password"
	"github.com/crewdesk/crewdesk-auth/internal/repository"
)

const loginAttemptKeyPrefix = "ratelimit:login:"

const resetTokenBytes = 32

// PasswordService implements email/password registration, login, password
// change, and the reset flow.
type PasswordService struct {
	users            repository.UserRepository
	resets           repository.ResetTokenRepository
	cache            repository.Cache
	tokens           *TokenService
	snowflake        *snowflake.Node
	resetTTL         time.Duration
	loginMaxAttempts int
	loginAttemptTTL  time.Duration
	logger           *zap.Logger
	tracer           trace.Tracer
}

// NewPasswordService wires dependencies.
func NewPasswordService(
	users repository.UserRepository,
	resets repository.ResetTokenRepository,
	cache repository.Cache,
	tokens *TokenService,
	node *snowflake.Node,
	resetTTL time.Duration,
	loginMaxAttempts int,
	loginAttemptTTL time.Duration,
	logger *zap.Logger,
) *PasswordService {
	return &PasswordService{
		users:            users,
		resets:           resets,
		cache:            cache,
		tokens:           tokens,
		snowflake:        node,
		resetTTL:         resetTTL,
		loginMaxAttempts: loginMaxAttempts,
		loginAttemptTTL:  loginAttemptTTL,
		logger:           logger,
		tracer:           otel.Tracer("github.com/crewdesk/crewdesk-auth/internal/service"),
	}
}

// Register creates a new identity and issues its first token pair. The email
// unique index arbitrates concurrent registrations: exactly one wins.
func (s *PasswordService) Register(ctx context.Context, email, password, fullName, deviceInfo string) (domain.User, *TokenPair, error) {
	ctx, span := s.startSpan(ctx, "PasswordService.Register")
	defer span.End()

	normalized := normalizeEmail(email)
	hash, err := pw.Hash(password)
	if err != nil {
		return domain.User{}, nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.Create(ctx, domain.User{
		ID:           s.snowflake.Generate().Int64(),
		Email:        normalized,
		PasswordHash: hash,
		Name:         strings.TrimSpace(fullName),
		Role:         domain.RoleMember,
		Status:       domain.StatusActive,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.User{}, nil, ErrEmailTaken
		}
		span.RecordError(err)
		return domain.User{}, nil, fmt.Errorf("create user: %w", err)
	}

	pair, err := s.tokens.Issue(ctx, user, deviceInfo)
	if err != nil {
		return domain.User{}, nil, err
	}
	s.audit("password.register", "user_id", user.ID)
	return user, pair, nil
}

// Login authenticates email+password. Unknown email, wrong password, and
// (until the password verifies) inactive status all produce the same
// ErrInvalidCredentials so attackers cannot probe for accounts.
func (s *PasswordService) Login(ctx context.Context, email, password, deviceInfo string) (domain.User, *TokenPair, error) {
	ctx, span := s.startSpan(ctx, "PasswordService.Login")
	defer span.End()

	normalized := normalizeEmail(email)
	if err := s.checkLoginThrottle(ctx, normalized); err != nil {
		return domain.User{}, nil, err
	}

	user, err := s.users.GetByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.User{}, nil, ErrInvalidCredentials
		}
		span.RecordError(err)
		return domain.User{}, nil, fmt.Errorf("load user: %w", err)
	}
	if !user.HasPassword() {
		return domain.User{}, nil, ErrInvalidCredentials
	}

	valid, err := pw.Verify(password, user.PasswordHash)
	if err != nil || !valid {
		s.audit("password.login.failed", "email", normalized)
		return domain.User{}, nil, ErrInvalidCredentials
	}

	// Password is confirmed; a status-specific message no longer leaks
	// account existence to someone who doesn't hold the credential.
	if user.Status != domain.StatusActive {
		return domain.User{}, nil, ErrAccountSuspended
	}

	now := time.Now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.log().Warn("last login update failed", zap.Error(err))
	}
	s.clearLoginThrottle(ctx, normalized)

	pair, err := s.tokens.Issue(ctx, user, deviceInfo)
	if err != nil {
		return domain.User{}, nil, err
	}
	s.audit("password.login.success", "user_id", user.ID)
	return user, pair, nil
}

// GetUser loads one user's profile.
func (s *PasswordService) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// ChangePassword verifies the current password before storing a new hash.
func (s *PasswordService) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) error {
	ctx, span := s.startSpan(ctx, "PasswordService.ChangePassword")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("load user: %w", err)
	}
	if !user.HasPassword() {
		return ErrNoPassword
	}

	valid, err := pw.Verify(currentPassword, user.PasswordHash)
	if err != nil || !valid {
		return ErrInvalidCredentials
	}

	hash, err := pw.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.audit("password.change", "user_id", userID)
	return nil
}

// RequestReset creates a hashed single-use reset token. It returns the
// plaintext token for the mail dispatcher and never errors on unknown email,
// so the endpoint cannot be used for account enumeration.
func (s *PasswordService) RequestReset(ctx context.Context, email string) (string, error) {
	ctx, span := s.startSpan(ctx, "PasswordService.RequestReset")
	defer span.End()

	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load user: %w", err)
	}

	raw := make([]byte, resetTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	if err := s.resets.Create(ctx, domain.PasswordResetToken{
		ID:        s.snowflake.Generate().Int64(),
		UserID:    user.ID,
		TokenHash: hashResetToken(token),
		ExpiresAt: time.Now().UTC().Add(s.resetTTL),
	}); err != nil {
		return "", fmt.Errorf("persist reset token: %w", err)
	}
	s.audit("password.reset.requested", "user_id", user.ID)
	return token, nil
}

// Reset consumes a reset token, stores the new password, and revokes every
// active session of the user.
func (s *PasswordService) Reset(ctx context.Context, token, newPassword string) error {
	ctx, span := s.startSpan(ctx, "PasswordService.Reset")
	defer span.End()

	record, err := s.resets.GetActiveByHash(ctx, hashResetToken(token))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrResetInvalid
		}
		return fmt.Errorf("load reset token: %w", err)
	}

	hash, err := pw.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, record.UserID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.resets.MarkUsed(ctx, record.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark reset token used: %w", err)
	}
	if err := s.tokens.RevokeAllSessions(ctx, record.UserID); err != nil {
		s.log().Error("session revocation after reset failed", zap.Error(err))
	}
	s.audit("password.reset.completed", "user_id", record.UserID)
	return nil
}

// checkLoginThrottle counts attempts per email. A cache failure allows the
// request (fail open): locking every user out because Redis blinked is worse
// than briefly losing the throttle.
func (s *PasswordService) checkLoginThrottle(ctx context.Context, email string) error {
	if s.loginMaxAttempts <= 0 {
		return nil
	}
	n, err := s.cache.Incr(ctx, loginAttemptKeyPrefix+email, s.loginAttemptTTL)
	if err != nil {
		s.log().Warn("login throttle unavailable, allowing", zap.Error(err))
		return nil
	}
	if n > int64(s.loginMaxAttempts) {
		return ErrRateLimited
	}
	return nil
}

func (s *PasswordService) clearLoginThrottle(ctx context.Context, email string) {
	if err := s.cache.Delete(ctx, loginAttemptKeyPrefix+email); err != nil {
		s.log().Warn("login throttle reset failed", zap.Error(err))
	}
}

func hashResetToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *PasswordService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *PasswordService) audit(event string, attrs ...any) {
	auditLog(s.log(), event, attrs...)
}

func (s *PasswordService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
