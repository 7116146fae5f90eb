package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("alice", "alice@example.com", secret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "alice", claims.Subject)
}

func TestParseRejects(t *testing.T) {
	expired, err := GenerateToken("alice", "", secret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, secret)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = ParseToken(expired, "wrong")
	assert.Error(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID:           "alice",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken(unsigned, secret)
	assert.Error(t, err)

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:           "alice",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	})
	foreign, err := other.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseToken(foreign, secret)
	assert.Error(t, err)
}

func TestParseFallsBackToSubject(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Subject: "bob"},
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	claims, err := ParseToken(signed, secret)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.UserID)

	tok = jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	})
	signed, err = tok.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseToken(signed, secret)
	assert.ErrorIs(t, err, ErrMissingSubject)
}
