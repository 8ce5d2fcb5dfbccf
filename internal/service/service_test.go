package service_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crewdesk/crewdesk-auth/internal/adapter/cache"
	"github.com/crewdesk/crewdesk-auth/internal/domain"
	domainoauth "github.com/crewdesk/crewdesk-auth/internal/domain/oauth"
	"github.com/crewdesk/crewdesk-auth/internal/jwt"
	"github.com/crewdesk/crewdesk-auth/internal/repository"
	"github.com/crewdesk/crewdesk-auth/internal/service"
)

type memUserRepo struct {
	mu    sync.Mutex
	users map[int64]domain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[int64]domain.User)}
}

func (r *memUserRepo) Create(_ context.Context, user domain.User) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Status != domain.StatusDeleted && strings.EqualFold(existing.Email, user.Email) {
			return domain.User{}, repository.ErrDuplicate
		}
		if user.GoogleID != "" && existing.GoogleID == user.GoogleID {
			return domain.User{}, repository.ErrDuplicate
		}
		if user.GithubID != "" && existing.GithubID == user.GithubID {
			return domain.User{}, repository.ErrDuplicate
		}
	}
	user.Email = strings.ToLower(user.Email)
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	r.users[user.ID] = user
	return user, nil
}

func (r *memUserRepo) GetByID(_ context.Context, id int64) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok || user.Status == domain.StatusDeleted {
		return domain.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Status != domain.StatusDeleted && strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return domain.User{}, repository.ErrNotFound
}

func (r *memUserRepo) GetByProviderID(_ context.Context, provider domainoauth.Provider, subject string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Status == domain.StatusDeleted {
			continue
		}
		switch provider {
		case domainoauth.ProviderGoogle:
			if user.GoogleID == subject && subject != "" {
				return user, nil
			}
		case domainoauth.ProviderGithub:
			if user.GithubID == subject && subject != "" {
				return user, nil
			}
		}
	}
	return domain.User{}, repository.ErrNotFound
}

func (r *memUserRepo) UpdatePassword(_ context.Context, id int64, passwordHash string) error {
	return r.update(id, func(u *domain.User) { u.PasswordHash = passwordHash })
}

func (r *memUserRepo) UpdateProfile(_ context.Context, id int64, name, avatarURL string, emailVerified bool) error {
	return r.update(id, func(u *domain.User) {
		if name != "" {
			u.Name = name
		}
		if avatarURL != "" {
			u.AvatarURL = avatarURL
		}
		u.EmailVerified = u.EmailVerified || emailVerified
	})
}

func (r *memUserRepo) UpdateLastLogin(_ context.Context, id int64, at time.Time) error {
	return r.update(id, func(u *domain.User) { u.LastLoginAt = &at })
}

func (r *memUserRepo) LinkProvider(_ context.Context, id int64, provider domainoauth.Provider, subject string) error {
	r.mu.Lock()
	for _, existing := range r.users {
		if existing.ID == id {
			continue
		}
		if provider == domainoauth.ProviderGoogle && existing.GoogleID == subject {
			r.mu.Unlock()
			return repository.ErrDuplicate
		}
		if provider == domainoauth.ProviderGithub && existing.GithubID == subject {
			r.mu.Unlock()
			return repository.ErrDuplicate
		}
	}
	r.mu.Unlock()
	return r.update(id, func(u *domain.User) {
		switch provider {
		case domainoauth.ProviderGoogle:
			u.GoogleID = subject
		case domainoauth.ProviderGithub:
			u.GithubID = subject
		}
	})
}

func (r *memUserRepo) UnlinkProvider(_ context.Context, id int64, provider domainoauth.Provider) error {
	return r.update(id, func(u *domain.User) {
		switch provider {
		case domainoauth.ProviderGoogle:
			u.GoogleID = ""
		case domainoauth.ProviderGithub:
			u.GithubID = ""
		}
	})
}

func (r *memUserRepo) SetWebAuthnHandle(_ context.Context, id int64, handle []byte) error {
	return r.update(id, func(u *domain.User) {
		if len(u.WebAuthnHandle) == 0 {
			u.WebAuthnHandle = handle
		}
	})
}

func (r *memUserRepo) update(id int64, fn func(*domain.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok || user.Status == domain.StatusDeleted {
		return repository.ErrNotFound
	}
	fn(&user)
	user.UpdatedAt = time.Now().UTC()
	r.users[id] = user
	return nil
}

type memPasskeyRepo struct {
	mu    sync.Mutex
	creds []domain.PasskeyCredential

	// When set, UpdateSignCount fails with this error.
	updateSignCountErr error
}

func newMemPasskeyRepo() *memPasskeyRepo {
	return &memPasskeyRepo{}
}

func (r *memPasskeyRepo) Create(_ context.Context, cred domain.PasskeyCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.creds {
		if bytes.Equal(existing.CredentialID, cred.CredentialID) {
			return repository.ErrDuplicate
		}
	}
	r.creds = append(r.creds, cred)
	return nil
}

func (r *memPasskeyRepo) GetByCredentialID(_ context.Context, credentialID []byte) (domain.PasskeyCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cred := range r.creds {
		if bytes.Equal(cred.CredentialID, credentialID) {
			return cred, nil
		}
	}
	return domain.PasskeyCredential{}, repository.ErrNotFound
}

func (r *memPasskeyRepo) ListByUser(_ context.Context, userID int64) ([]domain.PasskeyCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PasskeyCredential
	for _, cred := range r.creds {
		if cred.UserID == userID {
			out = append(out, cred)
		}
	}
	return out, nil
}

func (r *memPasskeyRepo) CountByUser(ctx context.Context, userID int64) (int, error) {
	creds, _ := r.ListByUser(ctx, userID)
	return len(creds), nil
}

func (r *memPasskeyRepo) UpdateSignCount(_ context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateSignCountErr != nil {
		return r.updateSignCountErr
	}
	for i := range r.creds {
		if bytes.Equal(r.creds[i].CredentialID, credentialID) {
			r.creds[i].SignCount = signCount
			r.creds[i].LastUsedAt = &usedAt
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *memPasskeyRepo) Delete(_ context.Context, userID int64, credentialID []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.creds {
		if r.creds[i].UserID == userID && bytes.Equal(r.creds[i].CredentialID, credentialID) {
			r.creds = append(r.creds[:i], r.creds[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

type memResetRepo struct {
	mu     sync.Mutex
	tokens []domain.PasswordResetToken
}

func newMemResetRepo() *memResetRepo {
	return &memResetRepo{}
}

func (r *memResetRepo) Create(_ context.Context, token domain.PasswordResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	token.CreatedAt = time.Now().UTC()
	r.tokens = append(r.tokens, token)
	return nil
}

func (r *memResetRepo) GetActiveByHash(_ context.Context, tokenHash []byte) (domain.PasswordResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for i := len(r.tokens) - 1; i >= 0; i-- {
		token := r.tokens[i]
		if bytes.Equal(token.TokenHash, tokenHash) && !token.Used() && !token.Expired(now) {
			return token, nil
		}
	}
	return domain.PasswordResetToken{}, repository.ErrNotFound
}

func (r *memResetRepo) MarkUsed(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.tokens {
		if r.tokens[i].ID == id {
			r.tokens[i].UsedAt = &at
			return nil
		}
	}
	return repository.ErrNotFound
}

// testEnv bundles the shared fixtures for service tests. The cache is a real
// Redis client against miniredis; repositories are in-memory fakes.
type testEnv struct {
	users    *memUserRepo
	passkeys *memPasskeyRepo
	resets   *memResetRepo
	cache    repository.Cache
	redis    *miniredis.Miniredis
	jwt      *jwt.Generator
	tokens   *service.TokenService
	node     *snowflake.Node
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	users := newMemUserRepo()
	redisCache := cache.NewRedisCache(client)
	generator := jwt.NewGenerator(
		[]byte("test-secret-test-secret-test-secret!"),
		"https://auth.test", "crewdesk",
		15*time.Minute, time.Hour,
	)

	return &testEnv{
		users:    users,
		passkeys: newMemPasskeyRepo(),
		resets:   newMemResetRepo(),
		cache:    redisCache,
		redis:    mr,
		jwt:      generator,
		tokens:   service.NewTokenService(users, redisCache, generator, 24*time.Hour, zap.NewNop()),
		node:     node,
	}
}

func (e *testEnv) addUser(t *testing.T, user domain.User) domain.User {
	t.Helper()
	if user.ID == 0 {
		user.ID = e.node.Generate().Int64()
	}
	if user.Role == "" {
		user.Role = domain.RoleMember
	}
	if user.Status == "" {
		user.Status = domain.StatusActive
	}
	created, err := e.users.Create(context.Background(), user)
	require.NoError(t, err)
	return created
}
