package domain

import "time"

// Role values assigned to users.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// User account statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

// User represents an authenticatable Crewdesk identity.
//
// PasswordHash, GoogleID and GithubID are empty when the corresponding
// authentication method is not set; the repository stores empty strings as
// NULL so provider-ID uniqueness holds.
type User struct {
	ID             int64
	Email          string
	EmailVerified  bool
	PasswordHash   string
	GoogleID       string
	GithubID       string
	Name           string
	AvatarURL      string
	Role           string
	Status         string
	WebAuthnHandle []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastLoginAt    *time.Time
}

// HasPassword reports whether password login is enabled for the user.
func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}

// AuthMethodCount counts configured authentication methods. Passkeys are
// counted by the caller since they live in a separate table.
func (u User) AuthMethodCount() int {
	n := 0
	if u.HasPassword() {
		n++
	}
	if u.GoogleID != "" {
		n++
	}
	if u.GithubID != "" {
		n++
	}
	return n
}

// PasswordResetToken is a hashed, single-use password reset credential.
type PasswordResetToken struct {
	ID        int64
	UserID    int64
	TokenHash []byte
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Expired reports whether the token is past its expiry.
func (t PasswordResetToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Used reports whether the token was already consumed.
func (t PasswordResetToken) Used() bool {
	return t.UsedAt != nil
}
