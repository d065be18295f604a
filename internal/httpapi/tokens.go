package httpapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errTokenSession = errors.New("token issued for another session")

type requestClaims struct {
	jwt.RegisteredClaims
}

// Tokens issues and checks the anti-forgery tokens of the chat widget. A
// token is an HS256 JWT whose subject is the session id.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) Issue(session string) (string, error) {
	now := t.now()
	claims := requestClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   session,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign request token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) Verify(token, session string) error {
	parsed, err := jwt.ParseWithClaims(token, &requestClaims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return fmt.Errorf("parse request token: %w", err)
	}
	claims, ok := parsed.Claims.(*requestClaims)
	if !ok || !parsed.Valid {
		return errors.New("invalid request token")
	}
	if claims.Subject != session {
		return errTokenSession
	}
	return nil
}
