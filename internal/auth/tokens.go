// Package auth covers the two realms of the x-access-token header: user
// tokens (RS384 JWTs minted after OAuth login) and the worker shared secret.
package auth

import (
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// userTokenTTL is the user session length.
const userTokenTTL = 7 * 24 * time.Hour

var (
	// ErrMissingToken is returned when no x-access-token header was sent.
	ErrMissingToken = errors.New("missing access token")
	// ErrWrongWorkerToken is returned when the presented worker secret does
	// not match the configured one.
	ErrWrongWorkerToken = errors.New("wrong_token")
	// ErrTokenExpired is returned for well-formed but expired user tokens.
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid access token")
)

// Identity is the verified subject of a user token.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

type userClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// TokenIssuer signs user tokens with the service's RSA private key.
type TokenIssuer struct {
	key *rsa.PrivateKey
}

// NewTokenIssuer parses the PEM-encoded RSA private key.
func NewTokenIssuer(encodingKeyPEM string) (*TokenIssuer, error) {
	if encodingKeyPEM == "" {
		return nil, fmt.Errorf("auth encoding key is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(encodingKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token encoding key: %w", err)
	}
	return &TokenIssuer{key: key}, nil
}

// Issue mints a 7-day RS384 token for the user.
func (i *TokenIssuer) Issue(userID, email, name string) (string, error) {
	now := time.Now()
	claims := userClaims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(userTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign user token: %w", err)
	}
	return signed, nil
}

// TokenVerifier validates user tokens against the RSA public key.
type TokenVerifier struct {
	key *rsa.PublicKey
}

// NewTokenVerifier parses the PEM-encoded RSA public key.
func NewTokenVerifier(decodingKeyPEM string) (*TokenVerifier, error) {
	if decodingKeyPEM == "" {
		return nil, fmt.Errorf("token decoding key is required")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(decodingKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token decoding key: %w", err)
	}
	return &TokenVerifier{key: key}, nil
}

// Verify decodes and validates a user token.
func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	var claims userClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS384.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
	}, nil
}

// WorkerAuthenticator checks the worker realm of x-access-token.
type WorkerAuthenticator struct {
	secret string
}

func NewWorkerAuthenticator(secret string) (*WorkerAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("worker token is required")
	}
	return &WorkerAuthenticator{secret: secret}, nil
}

// Authenticate requires an exact match with the configured secret.
func (a *WorkerAuthenticator) Authenticate(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
		return ErrWrongWorkerToken
	}
	return nil
}
