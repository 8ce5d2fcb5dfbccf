package repository

import (
	"context"
	"errors"
	"time"

	"github.com/crewdesk/crewdesk-auth/internal/domain"
	"github.com/crewdesk/crewdesk-auth/internal/domain/oauth"
)

// Store-boundary sentinels. Repositories map driver errors (pgx.ErrNoRows,
// unique-constraint violations) to these so services never inspect driver
// internals.
var (
	ErrNotFound  = errors.New("repository: not found")
	ErrDuplicate = errors.New("repository: duplicate")
)

// UserRepository exposes persistence for user identities.
type UserRepository interface {
	Create(ctx context.Context, user domain.User) (domain.User, error)
	GetByID(ctx context.Context, id int64) (domain.User, error)
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	GetByProviderID(ctx context.Context, provider oauth.Provider, subject string) (domain.User, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	UpdateProfile(ctx context.Context, id int64, name, avatarURL string, emailVerified bool) error
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	LinkProvider(ctx context.Context, id int64, provider oauth.Provider, subject string) error
	UnlinkProvider(ctx context.Context, id int64, provider oauth.Provider) error
	SetWebAuthnHandle(ctx context.Context, id int64, handle []byte) error
}

// PasskeyRepository persists WebAuthn credentials.
type PasskeyRepository interface {
	Create(ctx context.Context, cred domain.PasskeyCredential) error
	GetByCredentialID(ctx context.Context, credentialID []byte) (domain.PasskeyCredential, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.PasskeyCredential, error)
	CountByUser(ctx context.Context, userID int64) (int, error)
	UpdateSignCount(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error
	Delete(ctx context.Context, userID int64, credentialID []byte) error
}

// ResetTokenRepository persists hashed password reset tokens.
type ResetTokenRepository interface {
	Create(ctx context.Context, token domain.PasswordResetToken) error
	GetActiveByHash(ctx context.Context, tokenHash []byte) (domain.PasswordResetToken, error)
	MarkUsed(ctx context.Context, id int64, at time.Time) error
}

// Cache is the TTL key-value abstraction backing sessions, the token
// denylist, and one-time auth state. Get on a missing key returns
// ("", false, nil); Delete on a missing key is a no-op.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// GetDel atomically reads and deletes, for one-time state.
	GetDel(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Incr increments a counter, setting ttl when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	SetAdd(ctx context.Context, key string, member string, ttl time.Duration) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetRemove(ctx context.Context, key string, member string) error
}
