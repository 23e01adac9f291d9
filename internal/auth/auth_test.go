package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newManager(t *testing.T) *auth.JWTManager {
	t.Helper()
	mgr, err := auth.NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)
	return mgr
}

// forgeToken signs claims with secret using HS256.
func forgeToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func validClaims() *auth.Claims {
	now := time.Now().UTC()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			Issuer:    "hyoka",
			Audience:  jwt.ClaimStrings{"hyoka"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role: auth.RoleAdmin,
	}
}

func TestNewJWTManagerRejectsShortSecret(t *testing.T) {
	_, err := auth.NewJWTManager("short", time.Hour)
	assert.ErrorContains(t, err, "at least 32 bytes")
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr := newManager(t)

	token, expiresAt, err := mgr.IssueToken("ops", auth.RoleViewer)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, auth.RoleViewer, claims.Role)
}

func TestIssueTokenValidatesInput(t *testing.T) {
	mgr := newManager(t)
	_, _, err := mgr.IssueToken("", auth.RoleAdmin)
	assert.Error(t, err)
	_, _, err = mgr.IssueToken("ops", auth.Role("root"))
	assert.ErrorContains(t, err, "unknown role")
}

func TestValidateToken_Rejections(t *testing.T) {
	mgr := newManager(t)

	tests := []struct {
		name   string
		token  func() string
		substr string
	}{
		{"wrong secret", func() string {
			return forgeToken(t, strings.Repeat("x", 32), validClaims())
		}, "signature is invalid"},
		{"wrong issuer", func() string {
			c := validClaims()
			c.Issuer = "not-hyoka"
			return forgeToken(t, testSecret, c)
		}, "invalid issuer"},
		{"expired", func() string {
			c := validClaims()
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
			return forgeToken(t, testSecret, c)
		}, "expired"},
		{"no expiry", func() string {
			c := validClaims()
			c.ExpiresAt = nil
			return forgeToken(t, testSecret, c)
		}, "exp claim is required"},
		{"unknown role", func() string {
			c := validClaims()
			c.Role = "root"
			return forgeToken(t, testSecret, c)
		}, "unknown role"},
		{"missing subject", func() string {
			c := validClaims()
			c.Subject = ""
			return forgeToken(t, testSecret, c)
		}, "missing subject"},
		{"none algorithm", func() string {
			signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).
				SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			return signed
		}, "unexpected signing method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(tt.token())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}
