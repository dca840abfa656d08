// Package identity verifies bearer credentials and names the owner they
// belong to. Every core operation receives the resulting Principal
// explicitly.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt"

	"github.com/bdobrica/Kioku/internal/kioku/apperr"
)

// Principal is a verified caller.
type Principal struct {
	OwnerID string
}

// Verifier is the identity collaborator.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// HS256 verifies HMAC-SHA256 JWTs whose subject is the owner id. Tokens
// without an expiry are rejected.
type HS256 struct {
	secret []byte
	// Issuer, when set, must match the iss claim.
	Issuer string
}

// NewHS256 returns a verifier for secret.
func NewHS256(secret string) (*HS256, error) {
	if len(secret) < 16 {
		return nil, errors.New("identity: jwt secret must be at least 16 bytes")
	}
	return &HS256{secret: []byte(secret)}, nil
}

// Verify accepts a raw token or an "Authorization: Bearer <token>" value.
func (v *HS256) Verify(_ context.Context, credential string) (Principal, error) {
	raw := BearerToken(credential)
	if raw == "" {
		return Principal{}, apperr.Auth("identity.verify", "missing credential")
	}
	var claims jwt.StandardClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, apperr.Auth("identity.verify", "invalid token: %v", err)
	}
	if claims.ExpiresAt == 0 {
		return Principal{}, apperr.Auth("identity.verify", "token has no expiry")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, apperr.Auth("identity.verify", "token has no subject")
	}
	if v.Issuer != "" && !claims.VerifyIssuer(v.Issuer, true) {
		return Principal{}, apperr.Auth("identity.verify", "unexpected issuer %q", claims.Issuer)
	}
	return Principal{OwnerID: claims.Subject}, nil
}

// BearerToken strips an optional "Bearer " scheme prefix.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// Authorize returns the owner a request acts on: requested when set, the
// principal's own id otherwise. Acting on another owner is a Permission
// error.
func Authorize(p Principal, requested string) (string, error) {
	if requested == "" || requested == p.OwnerID {
		return p.OwnerID, nil
	}
	return "", apperr.Permission("identity.authorize", "principal may not act on another owner")
}

var _ Verifier = (*HS256)(nil)
