package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token uses. Access tokens authenticate API calls; refresh tokens may only
// be exchanged for a new pair.
const (
	useAccess  = "access"
	useRefresh = "refresh"
)

// Claims is the JWT payload for operator tokens. Subject is the user id.
type Claims struct {
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func signToken(secret []byte, u User, use string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		TokenUse: use,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if use == useAccess {
		claims.Email = u.Email
		claims.Role = u.Role
		claims.ClientID = u.ClientID
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", use, err)
	}
	return signed, nil
}

func parseToken(secret []byte, raw, use string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if claims.TokenUse != use {
		return nil, fmt.Errorf("token use %q: %w", claims.TokenUse, ErrTokenInvalid)
	}
	return claims, nil
}

// ExtractBearerToken pulls the token out of an Authorization header value.
// Returns "" if the header is not a bearer scheme.
func ExtractBearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
