// Package auth issues and verifies owner bearer tokens for the registry API.
// Tokens are HS256 JWTs signed with a shared secret; the subject is the
// owner id that agents are created under.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenTypeOwner = "owner"

// ErrNoSecret is returned when a TokenIssuer is built without a signing secret.
var ErrNoSecret = errors.New("auth: signing secret is empty")

// OwnerClaims are the JWT claims of an owner token.
type OwnerClaims struct {
	jwt.RegisteredClaims
	OwnerID string `json:"owner_id"`
	Type    string `json:"type"`
}

// TokenIssuer issues and verifies owner tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
//
//	secret  HMAC key shared by every registry replica
//	issuer  "iss" claim value
//	ttl     token lifetime (default: 24 hours)
func NewTokenIssuer(secret, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue creates a signed token for ownerID.
func (t *TokenIssuer) Issue(ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("issue owner token: owner id is empty")
	}
	now := t.now().UTC()
	claims := OwnerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		OwnerID: ownerID,
		Type:    tokenTypeOwner,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign owner token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an owner token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*OwnerClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&OwnerClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify owner token: %w", err)
	}
	claims, ok := token.Claims.(*OwnerClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid owner token claims")
	}
	if claims.Type != tokenTypeOwner || claims.OwnerID == "" || claims.OwnerID != claims.Subject {
		return nil, fmt.Errorf("not an owner token")
	}
	return claims, nil
}
