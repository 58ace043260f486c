// Package auth verifies the asymmetrically-signed bearer tokens minted by
// the external account service.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"

	"github.com/staninnat/auctiond/internal/config"
)

// Errors returned by token verification.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingUserID = errors.New("token has no user_id claim")
)

// User is the authenticated principal extracted from a verified token.
type User struct {
	ID       string
	Username string
}

// Claims is the token payload the realtime service cares about.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier validates RS256 bearer tokens against a fixed public key,
// audience and issuer.
type Verifier struct {
	key      *rsa.PublicKey
	audience string
	issuer   string
}

// NewVerifier loads the verification key from cfg.PublicKeyPath.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	pem, err := os.ReadFile(filepath.Clean(cfg.PublicKeyPath))
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return NewVerifierFromKey(key, cfg.Audience, cfg.Issuer), nil
}

// NewVerifierFromKey builds a Verifier from an in-memory key.
func NewVerifierFromKey(key *rsa.PublicKey, audience, issuer string) *Verifier {
	return &Verifier{key: key, audience: audience, issuer: issuer}
}

// Verify parses and validates tokenString and returns the authenticated
// user. Expiry, audience and issuer are all enforced.
func (v *Verifier) Verify(tokenString string) (*User, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, ErrMissingUserID
	}
	return &User{ID: claims.UserID, Username: claims.Username}, nil
}
