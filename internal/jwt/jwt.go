package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// Callers render distinct messages for expired versus malformed tokens, so
// the two are separate sentinels.
var (
	ErrTokenExpired = errors.New("jwt: token expired")
	ErrTokenInvalid = errors.New("jwt: token invalid")
)

// RefreshTokenType is the value of the "typ" claim on refresh tokens.
const RefreshTokenType = "refresh"

// AccessClaims is the custom payload carried by access tokens.
type AccessClaims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"sid"`
}

// RefreshClaims is the custom payload carried by refresh tokens.
type RefreshClaims struct {
	SessionID string `json:"sid"`
	TokenType string `json:"typ"`
}

// Generator signs and validates the service's HS256 token pair.
type Generator struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewGenerator constructs a JWT generator.
func NewGenerator(secret []byte, issuer, audience string, accessTTL, refreshTTL time.Duration) *Generator {
	return &Generator{
		secret:     secret,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// AccessTTL exposes the configured access token lifetime.
func (g *Generator) AccessTTL() time.Duration { return g.accessTTL }

// RefreshTTL exposes the configured refresh token lifetime.
func (g *Generator) RefreshTTL() time.Duration { return g.refreshTTL }

// SignAccessToken produces a signed access token for the user and session.
func (g *Generator) SignAccessToken(userID int64, email, role, sessionID string) (string, error) {
	return g.sign(userID, g.accessTTL, AccessClaims{
		Email:     email,
		Role:      role,
		SessionID: sessionID,
	})
}

// SignRefreshToken produces a signed refresh token bound to the session.
func (g *Generator) SignRefreshToken(userID int64, sessionID string) (string, error) {
	return g.sign(userID, g.refreshTTL, RefreshClaims{
		SessionID: sessionID,
		TokenType: RefreshTokenType,
	})
}

func (g *Generator) sign(userID int64, ttl time.Duration, custom any) (string, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: g.secret},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := time.Now().UTC()
	std := gojwt.Claims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    g.issuer,
		Audience:  gojwt.Audience{g.audience},
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(ttl)),
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

// VerifyAccessToken checks signature, issuer, audience, and expiry. An
// expired token with a valid signature returns its claims alongside
// ErrTokenExpired so logout can still tear down the backing session.
func (g *Generator) VerifyAccessToken(token string) (*gojwt.Claims, *AccessClaims, error) {
	var custom AccessClaims
	std, err := g.verify(token, &custom)
	if errors.Is(err, ErrTokenExpired) && custom.SessionID != "" {
		return std, &custom, err
	}
	if err != nil {
		return nil, nil, err
	}
	if custom.SessionID == "" {
		return nil, nil, ErrTokenInvalid
	}
	return std, &custom, nil
}

// VerifyRefreshToken additionally enforces typ=refresh so an access token
// can never be replayed against the refresh endpoint.
func (g *Generator) VerifyRefreshToken(token string) (*gojwt.Claims, *RefreshClaims, error) {
	var custom RefreshClaims
	std, err := g.verify(token, &custom)
	if err != nil {
		return nil, nil, err
	}
	if custom.TokenType != RefreshTokenType || custom.SessionID == "" {
		return nil, nil, ErrTokenInvalid
	}
	return std, &custom, nil
}

func (g *Generator) verify(token string, custom any) (*gojwt.Claims, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, ErrTokenInvalid
	}

	var std gojwt.Claims
	if err := parsed.Claims(g.secret, &std, custom); err != nil {
		return nil, ErrTokenInvalid
	}

	err = std.Validate(gojwt.Expected{
		Issuer:      g.issuer,
		AnyAudience: gojwt.Audience{g.audience},
		Time:        time.Now().UTC(),
	})
	switch {
	case err == nil:
		return &std, nil
	case errors.Is(err, gojwt.ErrExpired):
		// Signature already checked above; only freshness failed.
		return &std, ErrTokenExpired
	default:
		return nil, ErrTokenInvalid
	}
}

// SubjectID parses the numeric subject claim.
func SubjectID(std *gojwt.Claims) (int64, error) {
	id, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrTokenInvalid
	}
	return id, nil
}
