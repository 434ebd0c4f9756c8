// Package identity verifies caller tokens and carries the resolved
// user, tenant, and permission set.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed, expired, or
	// badly-signed tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrVerifierDisabled is returned when no signing secret is set.
	ErrVerifierDisabled = errors.New("identity verification is disabled")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID      string   `json:"user_id"`
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the identity holds a permission.
func (id Identity) HasPermission(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// HasAll reports whether the identity holds every listed permission.
func (id Identity) HasAll(perms []string) bool {
	for _, p := range perms {
		if !id.HasPermission(p) {
			return false
		}
	}
	return true
}

// Verifier resolves a bearer token to an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT claim set issued by the identity collaborator.
type Claims struct {
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a verifier for the given shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token and returns the caller identity.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return Identity{}, ErrVerifierDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:      claims.Subject,
		TenantID:    claims.TenantID,
		Permissions: claims.Permissions,
	}, nil
}

// Sign issues a token for the given identity, used by tests and the
// local development CLI.
func (v *JWTVerifier) Sign(id Identity, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrVerifierDisabled
	}
	claims := Claims{
		TenantID:    id.TenantID,
		Permissions: id.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
