package handler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdesk/crewdesk-auth/internal/config"
	"github.com/crewdesk/crewdesk-auth/internal/domain"
	domainoauth "github.com/crewdesk/crewdesk-auth/internal/domain/oauth"
	"github.com/crewdesk/crewdesk-auth/internal/http/middleware"
	"github.com/crewdesk/crewdesk-auth/internal/service"
)

const (
	refreshTokenCookie = "refreshToken"
	challengeCookie    = "webauthnChallenge"
)

// AuthHandler exposes the authentication endpoints.
type AuthHandler struct {
	cfg       config.Config
	Passwords *service.PasswordService
	Tokens    *service.TokenService
	OAuth     *service.OAuthService
	Passkeys  *service.PasskeyService
	Logger    *zap.Logger
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(cfg config.Config, passwords *service.PasswordService, tokens *service.TokenService, oauth *service.OAuthService, passkeys *service.PasskeyService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, Passwords: passwords, Tokens: tokens, OAuth: oauth, Passkeys: passkeys, Logger: logger}
}

// PasswordRegister creates an account from email and password.
func (h *AuthHandler) PasswordRegister(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required,min=8,max=512"`
		Name     string `json:"name" binding:"max=200"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid registration payload.")
		return
	}

	user, pair, err := h.Passwords.Register(c.Request.Context(), req.Email, req.Password, req.Name, deviceInfo(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.setAuthCookies(c, pair)
	c.JSON(http.StatusCreated, gin.H{"user": userResponse(user)})
}

// PasswordLogin authenticates with email and password.
func (h *AuthHandler) PasswordLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid login payload.")
		return
	}

	user, pair, err := h.Passwords.Login(c.Request.Context(), req.Email, req.Password, deviceInfo(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.setAuthCookies(c, pair)
	c.JSON(http.StatusOK, gin.H{"user": userResponse(user), "tokens": pair})
}

// PasswordChange replaces the password of the authenticated user.
func (h *AuthHandler) PasswordChange(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}
	var req struct {
		CurrentPassword string `json:"current_password" binding:"required"`
		NewPassword     string `json:"new_password" binding:"required,min=8,max=512"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid change-password payload.")
		return
	}

	if err := h.Passwords.ChangePassword(c.Request.Context(), identity.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PasswordForgot begins the reset flow. The response never reveals whether
// the email exists.
func (h *AuthHandler) PasswordForgot(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid payload.")
		return
	}

	token, err := h.Passwords.RequestReset(c.Request.Context(), req.Email)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if token != "" {
		// Token delivery belongs to the mail dispatcher. Until that ships,
		// development environments read it from the log.
		if !h.cfg.Production() {
			h.log().Info("password reset token issued", zap.String("email", req.Email), zap.String("token", token))
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "ok"})
}

// PasswordReset completes the reset flow with a token from the email link.
func (h *AuthHandler) PasswordReset(c *gin.Context) {
	var req struct {
		Token       string `json:"token" binding:"required"`
		NewPassword string `json:"new_password" binding:"required,min=8,max=512"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid payload.")
		return
	}

	if err := h.Passwords.Reset(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TokenRefresh rotates the refresh token. The token comes from the request
// body or, for browser clients, the refresh cookie.
func (h *AuthHandler) TokenRefresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = c.ShouldBindJSON(&req)
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		if cookie, err := c.Cookie(refreshTokenCookie); err == nil {
			token = strings.TrimSpace(cookie)
		}
	}
	if token == "" {
		respondBadRequest(c, "Refresh token required.")
		return
	}

	pair, err := h.Tokens.Refresh(c.Request.Context(), token)
	if err != nil {
		h.clearAuthCookies(c)
		h.respondServiceError(c, err)
		return
	}
	h.setAuthCookies(c, pair)
	c.JSON(http.StatusOK, gin.H{"tokens": pair})
}

// Logout revokes the presented access token and clears auth cookies.
func (h *AuthHandler) Logout(c *gin.Context) {
	token, ok := middleware.GetAccessToken(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}
	if err := h.Tokens.Logout(c.Request.Context(), token); err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}
	user, err := h.Passwords.GetUser(c.Request.Context(), identity.UserID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userResponse(user)})
}

// OAuthStart redirects to the provider's authorization endpoint.
func (h *AuthHandler) OAuthStart(c *gin.Context) {
	provider := domainoauth.Provider(c.Param("provider"))
	callback := fmt.Sprintf("%s://%s/auth/oauth/%s/callback", schemeOnly(c.Request), c.Request.Host, provider)

	out, err := h.OAuth.Initiate(c.Request.Context(), provider, callback, c.Query("redirect_to"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Redirect(http.StatusFound, out.AuthorizationURL)
}

// OAuthCallback completes the provider flow, issues tokens, and redirects
// the browser back to the application.
func (h *AuthHandler) OAuthCallback(c *gin.Context) {
	provider := domainoauth.Provider(c.Param("provider"))
	if errCode := c.Query("error"); errCode != "" {
		h.respondServiceError(c, service.ErrExchangeFailed)
		return
	}

	result, err := h.OAuth.Callback(c.Request.Context(), provider, c.Query("code"), c.Query("state"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	pair, err := h.Tokens.Issue(c.Request.Context(), result.User, deviceInfo(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.setAuthCookies(c, pair)

	if target := safeReturnTo(result.ReturnTo); target != "" {
		c.Redirect(http.StatusFound, target)
		return
	}
	status := http.StatusOK
	if result.IsNewUser {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"user": userResponse(result.User), "tokens": pair})
}

// OAuthUnlink removes a linked provider from the authenticated account.
func (h *AuthHandler) OAuthUnlink(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}
	provider := domainoauth.Provider(c.Param("provider"))
	if err := h.OAuth.Unlink(c.Request.Context(), identity.UserID, provider); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PasskeyRegisterBegin starts a registration ceremony for the authenticated
// user. The ceremony token travels in an HttpOnly cookie; the challenge
// itself never leaves the server except inside the signed options.
func (h *AuthHandler) PasskeyRegisterBegin(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}
	start, err := h.Passkeys.BeginRegistration(c.Request.Context(), identity.UserID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.setChallengeCookie(c, start.Token)
	c.JSON(http.StatusOK, start.Options)
}

// PasskeyRegisterFinish verifies the attestation and stores the credential.
func (h *AuthHandler) PasskeyRegisterFinish(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}
	token := h.challengeToken(c)
	cred, err := h.Passkeys.FinishRegistration(c.Request.Context(), identity.UserID, token, c.Query("device_name"), c.Request.Body)
	h.clearChallengeCookie(c)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"credential": credentialResponse(cred)})
}

// PasskeyLoginBegin starts an assertion ceremony, optionally scoped by an
// email hint.
func (h *AuthHandler) PasskeyLoginBegin(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	_ = c.ShouldBindJSON(&req)

	start, err := h.Passkeys.BeginLogin(c.Request.Context(), req.Email)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.setChallengeCookie(c, start.Token)
	c.JSON(http.StatusOK, start.Options)
}

// PasskeyLoginFinish verifies the assertion and signs the user in.
func (h *AuthHandler) PasskeyLoginFinish(c *gin.Context) {
	token := h.challengeToken(c)
	user, pair, err := h.Passkeys.FinishLogin(c.Request.Context(), token, deviceInfo(c), c.Request.Body)
	h.clearChallengeCookie(c)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.setAuthCookies(c, pair)
	c.JSON(http.StatusOK, gin.H{"user": userResponse(user), "tokens": pair})
}

// PasskeyList returns the authenticated user's registered credentials.
func (h *AuthHandler) PasskeyList(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}
	creds, err := h.Passkeys.ListCredentials(c.Request.Context(), identity.UserID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	out := make([]gin.H, 0, len(creds))
	for _, cred := range creds {
		out = append(out, credentialResponse(cred))
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

// PasskeyDelete removes one credential. The credential ID arrives
// base64url-encoded in the path.
func (h *AuthHandler) PasskeyDelete(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}
	credentialID, err := base64.RawURLEncoding.DecodeString(c.Param("id"))
	if err != nil || len(credentialID) == 0 {
		respondBadRequest(c, "Invalid credential ID.")
		return
	}
	if err := h.Passkeys.DeleteCredential(c.Request.Context(), identity.UserID, credentialID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) setAuthCookies(c *gin.Context, pair *service.TokenPair) {
	secure := h.cfg.Production()
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.AccessTokenCookie, pair.AccessToken, int(h.cfg.AccessTokenTTL.Seconds()), "/", "", secure, true)
	c.SetCookie(refreshTokenCookie, pair.RefreshToken, int(h.cfg.RefreshTokenTTL.Seconds()), "/auth/token", "", secure, true)
}

func (h *AuthHandler) clearAuthCookies(c *gin.Context) {
	secure := h.cfg.Production()
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.AccessTokenCookie, "", -1, "/", "", secure, true)
	c.SetCookie(refreshTokenCookie, "", -1, "/auth/token", "", secure, true)
}

func (h *AuthHandler) setChallengeCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(challengeCookie, token, int(h.cfg.StateTTL.Seconds()), "/auth/passkeys", "", h.cfg.Production(), true)
}

func (h *AuthHandler) clearChallengeCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(challengeCookie, "", -1, "/auth/passkeys", "", h.cfg.Production(), true)
}

func (h *AuthHandler) challengeToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.GetHeader("X-Challenge-Token")); token != "" {
		return token
	}
	if cookie, err := c.Cookie(challengeCookie); err == nil {
		return strings.TrimSpace(cookie)
	}
	return ""
}

func (h *AuthHandler) respondServiceError(c *gin.Context, err error) {
	var authErr *service.AuthError
	if errors.As(err, &authErr) {
		c.JSON(authErr.Status, gin.H{"error": authErr.Code, "error_description": authErr.Description})
		return
	}
	h.log().Error("internal error", zap.Error(err), zap.String("path", c.Request.URL.Path))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
}

func (h *AuthHandler) log() *zap.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}

func respondBadRequest(c *gin.Context, desc string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": desc})
}

func respondUnauthenticated(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authentication required."})
}

func userResponse(user domain.User) gin.H {
	resp := gin.H{
		"id":             strconv.FormatInt(user.ID, 10),
		"email":          user.Email,
		"email_verified": user.EmailVerified,
		"name":           user.Name,
		"avatar_url":     user.AvatarURL,
		"role":           user.Role,
		"created_at":     user.CreatedAt.UTC().Format(time.RFC3339),
		"has_password":   user.HasPassword(),
		"google_linked":  user.GoogleID != "",
		"github_linked":  user.GithubID != "",
	}
	if user.LastLoginAt != nil {
		resp["last_login_at"] = user.LastLoginAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func credentialResponse(cred domain.PasskeyCredential) gin.H {
	resp := gin.H{
		"id":              base64.RawURLEncoding.EncodeToString(cred.CredentialID),
		"device_name":     cred.DeviceName,
		"transports":      cred.Transports,
		"backup_eligible": cred.BackupEligible,
		"backup_state":    cred.BackupState,
		"created_at":      cred.CreatedAt.UTC().Format(time.RFC3339),
	}
	if cred.LastUsedAt != nil {
		resp["last_used_at"] = cred.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func deviceInfo(c *gin.Context) string {
	ua := c.Request.UserAgent()
	if len(ua) > 256 {
		ua = ua[:256]
	}
	return strings.TrimSpace(c.ClientIP() + " " + ua)
}

// safeReturnTo only allows relative application paths, never absolute URLs,
// so the callback cannot be used as an open redirect.
func safeReturnTo(target string) string {
	target = strings.TrimSpace(target)
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return ""
	}
	if u, err := url.Parse(target); err != nil || u.Host != "" || u.Scheme != "" {
		return ""
	}
	return target
}

func schemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}
