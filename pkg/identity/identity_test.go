package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity_Permissions(t *testing.T) {
	ident := Identity{
		UserID:      "u1",
		TenantID:    "acme",
		Permissions: []string{"kpis:read", "artifacts:search"},
	}

	t.Run("should report held permissions", func(t *testing.T) {
		assert.True(t, ident.HasPermission("kpis:read"))
		assert.False(t, ident.HasPermission("reports:export"))
	})

	t.Run("should require every listed permission", func(t *testing.T) {
		assert.True(t, ident.HasAll([]string{"kpis:read", "artifacts:search"}))
		assert.False(t, ident.HasAll([]string{"kpis:read", "reports:export"}))
		assert.True(t, ident.HasAll(nil))
	})
}

func TestJWTVerifier(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")

	t.Run("should round-trip a signed identity", func(t *testing.T) {
		ident := Identity{
			UserID:      "u1",
			TenantID:    "acme",
			Permissions: []string{"code:run"},
		}
		token, err := verifier.Sign(ident, time.Hour)
		require.NoError(t, err)

		got, err := verifier.Verify(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, ident, got)
	})

	t.Run("should reject a garbage token", func(t *testing.T) {
		_, err := verifier.Verify(context.Background(), "not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject a token signed with a different secret", func(t *testing.T) {
		other := NewJWTVerifier("other-secret")
		token, err := other.Sign(Identity{UserID: "u1", TenantID: "acme"}, time.Hour)
		require.NoError(t, err)

		_, err = verifier.Verify(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		token, err := verifier.Sign(Identity{UserID: "u1", TenantID: "acme"}, -time.Minute)
		require.NoError(t, err)

		_, err = verifier.Verify(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject a token without a tenant", func(t *testing.T) {
		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = verifier.Verify(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject a non-HMAC signing method", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			TenantID: "acme",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = verifier.Verify(context.Background(), signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should refuse to operate without a secret", func(t *testing.T) {
		empty := NewJWTVerifier("")
		_, err := empty.Verify(context.Background(), "anything")
		assert.ErrorIs(t, err, ErrVerifierDisabled)
		_, err = empty.Sign(Identity{UserID: "u1", TenantID: "acme"}, time.Hour)
		assert.ErrorIs(t, err, ErrVerifierDisabled)
	})
}
