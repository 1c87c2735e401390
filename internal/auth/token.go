// Package auth issues and verifies the signed tokens that carry a user's
// identity. Clients present the token on the WebSocket upgrade and as a
// bearer token on the REST API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Claims is the token payload. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier signs and validates HS256 tokens with a shared secret.
type Verifier struct {
	secret   []byte
	duration time.Duration
	now      func() time.Time
}

// NewVerifier creates a Verifier. Tokens it issues are valid for duration.
func NewVerifier(secret string, duration time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), duration: duration, now: time.Now}
}

// Issue returns a signed token whose subject is userID.
func (v *Verifier) Issue(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: issue: empty user id")
	}
	now := v.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(v.duration)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}

// ParseUserID validates the token and returns the user id it carries.
func (v *Verifier) ParseUserID(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
