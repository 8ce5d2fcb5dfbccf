package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewdesk/crewdesk-auth/internal/domain"
	"github.com/crewdesk/crewdesk-auth/internal/domain/oauth"
)

// Compile-time interface assertions.
var (
	_ UserRepository       = (*PostgresUserRepo)(nil)
	_ PasskeyRepository    = (*PostgresPasskeyRepo)(nil)
	_ ResetTokenRepository = (*PostgresResetTokenRepo)(nil)
)

const uniqueViolation = "23505"

func mapError(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", op, ErrDuplicate)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
}

// PostgresUserRepo implements UserRepository on pgx.
type PostgresUserRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{pool: pool}
}

const userColumns = `id, lower(email), email_verified,
	coalesce(password_hash, ''), coalesce(google_id, ''), coalesce(github_id, ''),
	coalesce(name, ''), coalesce(avatar_url, ''), role, status,
	webauthn_handle, created_at, updated_at, last_login_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID, &u.Email, &u.EmailVerified,
		&u.PasswordHash, &u.GoogleID, &u.GithubID,
		&u.Name, &u.AvatarURL, &u.Role, &u.Status,
		&u.WebAuthnHandle, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt,
	)
	return u, err
}

// Create inserts a user. Email uniqueness is enforced by the database;
// a duplicate insert returns ErrDuplicate so concurrent registrations race
// safely without a check-then-insert window.
func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, email_verified, password_hash, google_id, github_id, name, avatar_url, role, status)
		VALUES ($1, lower($2), $3, nullif($4, ''), nullif($5, ''), nullif($6, ''), nullif($7, ''), nullif($8, ''), $9, $10)
		RETURNING `+userColumns,
		user.ID, user.Email, user.EmailVerified, user.PasswordHash,
		user.GoogleID, user.GithubID, user.Name, user.AvatarURL,
		user.Role, user.Status,
	)
	created, err := scanUser(row)
	if err != nil {
		return domain.User{}, mapError("create user", err)
	}
	return created, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, id int64) (domain.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1 AND status <> 'deleted'`, id)
	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, mapError("get user", err)
	}
	return u, nil
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1) AND status <> 'deleted'`, email)
	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, mapError("get user by email", err)
	}
	return u, nil
}

func (r *PostgresUserRepo) GetByProviderID(ctx context.Context, provider oauth.Provider, subject string) (domain.User, error) {
	column, err := providerColumn(provider)
	if err != nil {
		return domain.User{}, err
	}
	row := r.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE `+column+` = $1 AND status <> 'deleted'`, subject)
	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, mapError("get user by provider", err)
	}
	return u, nil
}

func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET password_hash = nullif($2, ''), updated_at = now() WHERE id = $1`, id, passwordHash)
	if err != nil {
		return mapError("update password", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update password: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, id int64, name, avatarURL string, emailVerified bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET
			name = coalesce(nullif($2, ''), name),
			avatar_url = coalesce(nullif($3, ''), avatar_url),
			email_verified = email_verified OR $4,
			updated_at = now()
		WHERE id = $1`, id, name, avatarURL, emailVerified)
	if err != nil {
		return mapError("update profile", err)
	}
	return nil
}

func (r *PostgresUserRepo) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET last_login_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return mapError("update last login", err)
	}
	return nil
}

func (r *PostgresUserRepo) LinkProvider(ctx context.Context, id int64, provider oauth.Provider, subject string) error {
	column, err := providerColumn(provider)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET `+column+` = $2, updated_at = now() WHERE id = $1`, id, subject)
	if err != nil {
		return mapError("link provider", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link provider: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresUserRepo) UnlinkProvider(ctx context.Context, id int64, provider oauth.Provider) error {
	column, err := providerColumn(provider)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET `+column+` = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return mapError("unlink provider", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unlink provider: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresUserRepo) SetWebAuthnHandle(ctx context.Context, id int64, handle []byte) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET webauthn_handle = $2, updated_at = now() WHERE id = $1 AND webauthn_handle IS NULL`, id, handle)
	if err != nil {
		return mapError("set webauthn handle", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set webauthn handle: %w", ErrDuplicate)
	}
	return nil
}

// providerColumn maps a provider to its dedicated column. Providers are a
// closed set; anything else is rejected here rather than interpolated.
func providerColumn(provider oauth.Provider) (string, error) {
	switch provider {
	case oauth.ProviderGoogle:
		return "google_id", nil
	case oauth.ProviderGithub:
		return "github_id", nil
	default:
		return "", fmt.Errorf("unsupported provider %q", provider)
	}
}

// PostgresPasskeyRepo implements PasskeyRepository on pgx.
type PostgresPasskeyRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresPasskeyRepo(pool *pgxpool.Pool) *PostgresPasskeyRepo {
	return &PostgresPasskeyRepo{pool: pool}
}

const passkeyColumns = `credential_id, user_id, public_key, sign_count,
	transports, aaguid, backup_eligible, backup_state,
	coalesce(device_name, ''), created_at, last_used_at`

func scanPasskey(row pgx.Row) (domain.PasskeyCredential, error) {
	var c domain.PasskeyCredential
	err := row.Scan(
		&c.CredentialID, &c.UserID, &c.PublicKey, &c.SignCount,
		&c.Transports, &c.AAGUID, &c.BackupEligible, &c.BackupState,
		&c.DeviceName, &c.CreatedAt, &c.LastUsedAt,
	)
	return c, err
}

// Create inserts a credential. CredentialID is the primary key, so a
// colliding registration fails with ErrDuplicate instead of overwriting.
func (r *PostgresPasskeyRepo) Create(ctx context.Context, cred domain.PasskeyCredential) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO passkey_credentials
			(credential_id, user_id, public_key, sign_count, transports, aaguid, backup_eligible, backup_state, device_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9, ''))`,
		cred.CredentialID, cred.UserID, cred.PublicKey, cred.SignCount,
		cred.Transports, cred.AAGUID, cred.BackupEligible, cred.BackupState, cred.DeviceName,
	)
	if err != nil {
		return mapError("create passkey", err)
	}
	return nil
}

func (r *PostgresPasskeyRepo) GetByCredentialID(ctx context.Context, credentialID []byte) (domain.PasskeyCredential, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+passkeyColumns+` FROM passkey_credentials WHERE credential_id = $1`, credentialID)
	c, err := scanPasskey(row)
	if err != nil {
		return domain.PasskeyCredential{}, mapError("get passkey", err)
	}
	return c, nil
}

func (r *PostgresPasskeyRepo) ListByUser(ctx context.Context, userID int64) ([]domain.PasskeyCredential, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+passkeyColumns+` FROM passkey_credentials WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapError("list passkeys", err)
	}
	defer rows.Close()

	var creds []domain.PasskeyCredential
	for rows.Next() {
		c, err := scanPasskey(rows)
		if err != nil {
			return nil, mapError("scan passkey", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list passkeys", err)
	}
	return creds, nil
}

func (r *PostgresPasskeyRepo) CountByUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM passkey_credentials WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, mapError("count passkeys", err)
	}
	return n, nil
}

func (r *PostgresPasskeyRepo) UpdateSignCount(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE passkey_credentials SET sign_count = $2, last_used_at = $3 WHERE credential_id = $1`,
		credentialID, signCount, usedAt)
	if err != nil {
		return mapError("update sign count", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update sign count: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresPasskeyRepo) Delete(ctx context.Context, userID int64, credentialID []byte) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM passkey_credentials WHERE credential_id = $1 AND user_id = $2`, credentialID, userID)
	if err != nil {
		return mapError("delete passkey", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete passkey: %w", ErrNotFound)
	}
	return nil
}

// PostgresResetTokenRepo implements ResetTokenRepository on pgx.
type PostgresResetTokenRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresResetTokenRepo(pool *pgxpool.Pool) *PostgresResetTokenRepo {
	return &PostgresResetTokenRepo{pool: pool}
}

func (r *PostgresResetTokenRepo) Create(ctx context.Context, token domain.PasswordResetToken) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)`,
		token.ID, token.UserID, token.TokenHash, token.ExpiresAt)
	if err != nil {
		return mapError("create reset token", err)
	}
	return nil
}

// GetActiveByHash returns the newest unused, unexpired token matching the
// hash. Plaintext tokens are never stored.
func (r *PostgresResetTokenRepo) GetActiveByHash(ctx context.Context, tokenHash []byte) (domain.PasswordResetToken, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, used_at, created_at
		FROM password_reset_tokens
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1`, tokenHash)

	var t domain.PasswordResetToken
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt); err != nil {
		return domain.PasswordResetToken{}, mapError("get reset token", err)
	}
	return t, nil
}

func (r *PostgresResetTokenRepo) MarkUsed(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE password_reset_tokens SET used_at = $2 WHERE id = $1 AND used_at IS NULL`, id, at)
	if err != nil {
		return mapError("mark reset token used", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark reset token used: %w", ErrNotFound)
	}
	return nil
}
