package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (privatePEM, publicPEM string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privatePEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	publicBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	publicPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicBytes,
	}))
	return privatePEM, publicPEM
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	privatePEM, publicPEM := testKeyPair(t)

	issuer, err := NewTokenIssuer(privatePEM)
	require.NoError(t, err)
	verifier, err := NewTokenVerifier(publicPEM)
	require.NoError(t, err)

	token, err := issuer.Issue("user-1", "user@example.com", "Test User")
	require.NoError(t, err)

	identity, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, "user@example.com", identity.Email)
	assert.Equal(t, "Test User", identity.Name)
}

func TestVerifyExpiredToken(t *testing.T) {
	privatePEM, publicPEM := testKeyPair(t)

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
	require.NoError(t, err)

	claims := userClaims{
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-8 * 24 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-24 * time.Hour)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodRS384, claims).SignedString(key)
	require.NoError(t, err)

	verifier, err := NewTokenVerifier(publicPEM)
	require.NoError(t, err)

	_, err = verifier.Verify(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	privatePEM, _ := testKeyPair(t)
	_, otherPublicPEM := testKeyPair(t)

	issuer, err := NewTokenIssuer(privatePEM)
	require.NoError(t, err)
	verifier, err := NewTokenVerifier(otherPublicPEM)
	require.NoError(t, err)

	token, err := issuer.Issue("user-1", "user@example.com", "Test User")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, publicPEM := testKeyPair(t)
	verifier, err := NewTokenVerifier(publicPEM)
	require.NoError(t, err)

	_, err = verifier.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = verifier.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestWorkerAuthenticator(t *testing.T) {
	a, err := NewWorkerAuthenticator("s3cret")
	require.NoError(t, err)

	assert.NoError(t, a.Authenticate("s3cret"))
	assert.ErrorIs(t, a.Authenticate("wrong"), ErrWrongWorkerToken)
	assert.ErrorIs(t, a.Authenticate(""), ErrMissingToken)

	_, err = NewWorkerAuthenticator("")
	assert.Error(t, err)
}
