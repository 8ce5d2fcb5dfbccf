package service

import (
	"fmt"
	"net/http"
)

// AuthError is an operational, user-facing failure with a stable
// machine-readable code. Anything else bubbling out of a service is an
// internal error and is rendered as a generic 500 without detail.
type AuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newAuthError(code, desc string, status int) *AuthError {
	return &AuthError{Code: code, Description: desc, Status: status}
}

var (
	// ErrInvalidCredentials covers both unknown email and wrong password;
	// the two are deliberately indistinguishable.
	ErrInvalidCredentials = newAuthError("invalid_credentials", "Wrong email or password.", http.StatusUnauthorized)
	// ErrAccountSuspended is only returned after the password verified.
	ErrAccountSuspended = newAuthError("account_suspended", "Account is suspended.", http.StatusUnauthorized)
	ErrEmailTaken       = newAuthError("email_taken", "An account with this email already exists.", http.StatusConflict)
	ErrNoPassword       = newAuthError("no_password_set", "This account has no password; set one first.", http.StatusBadRequest)
	ErrResetInvalid     = newAuthError("reset_token_invalid", "Reset token is invalid or expired.", http.StatusBadRequest)

	ErrTokenExpired = newAuthError("token_expired", "Token has expired.", http.StatusUnauthorized)
	ErrTokenInvalid = newAuthError("token_invalid", "Token is invalid.", http.StatusUnauthorized)
	ErrTokenRevoked = newAuthError("token_revoked", "Token has been revoked.", http.StatusUnauthorized)

	ErrInvalidState     = newAuthError("invalid_state", "Authorization state is missing, expired, or already used.", http.StatusUnauthorized)
	ErrUnknownProvider  = newAuthError("unknown_provider", "Unsupported identity provider.", http.StatusBadRequest)
	ErrExchangeFailed   = newAuthError("exchange_failed", "Provider token exchange failed.", http.StatusUnauthorized)
	ErrLastAuthMethod   = newAuthError("last_auth_method", "Cannot remove the only remaining sign-in method.", http.StatusBadRequest)
	ErrProviderUnlinked = newAuthError("provider_not_linked", "Provider is not linked to this account.", http.StatusBadRequest)

	ErrChallengeInvalid  = newAuthError("challenge_invalid", "Challenge is missing, expired, or already used.", http.StatusUnauthorized)
	ErrCredentialExists  = newAuthError("credential_exists", "A credential with this ID is already registered.", http.StatusConflict)
	ErrUnknownCredential = newAuthError("unknown_credential", "Credential is not recognized.", http.StatusUnauthorized)
	ErrReplayDetected    = newAuthError("replay_detected", "Authenticator counter did not increase; possible cloned authenticator.", http.StatusUnauthorized)

	ErrUserNotFound = newAuthError("user_not_found", "User does not exist.", http.StatusNotFound)
	ErrRateLimited  = newAuthError("rate_limited", "Too many attempts. Try again later.", http.StatusTooManyRequests)
)
