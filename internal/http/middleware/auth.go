package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/crewdesk/crewdesk-auth/internal/service"
)

const (
	identityKey    = "identity"
	accessTokenKey = "accessToken"

	// AccessTokenCookie is the HttpOnly cookie carrying the access token for
	// browser clients. API clients use the Authorization header instead.
	AccessTokenCookie = "accessToken"
)

// Auth validates the access token and attaches the authenticated identity.
type Auth struct {
	Tokens *service.TokenService
}

// RequireAuth rejects requests without a valid, unrevoked access token.
func (m *Auth) RequireAuth(c *gin.Context) {
	token := extractToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authentication required."})
		return
	}

	identity, err := m.Tokens.Verify(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid access token."})
		return
	}

	c.Set(identityKey, identity)
	c.Set(accessTokenKey, token)
	c.Next()
}

// GetIdentity exposes the authenticated principal to handlers.
func GetIdentity(c *gin.Context) (*service.Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*service.Identity)
	return identity, ok
}

// GetAccessToken returns the raw token string the request authenticated with.
func GetAccessToken(c *gin.Context) (string, bool) {
	value, ok := c.Get(accessTokenKey)
	if !ok {
		return "", false
	}
	token, ok := value.(string)
	return token, ok
}

// extractToken prefers the Authorization header, then falls back to the
// session cookie used by browser clients.
func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if cookie, err := c.Cookie(AccessTokenCookie); err == nil {
		return strings.TrimSpace(cookie)
	}
	return ""
}
