package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNotConfigured = errors.New("JWT_SECRET_KEY not configured")
	ErrInvalidToken  = errors.New("invalid token claims")
)

// OwnerClaims identify the WhatsApp user a token acts for. The subject is
// the owner id used by the fleet, the same JID the chat commands see.
type OwnerClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = DefaultOwnerTokenTTL
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// IssueOwnerToken signs a token for ownerID. A ttl of zero uses the default.
func (t *Tokens) IssueOwnerToken(ownerID string, name string, ttl time.Duration) (string, time.Time, error) {
	if !t.Enabled() {
		return "", time.Time{}, ErrNotConfigured
	}
	if ttl <= 0 {
		ttl = t.ttl
	}

	now := t.now()
	expires := now.Add(ttl)
	claims := OwnerClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func (t *Tokens) ValidateOwnerToken(tokenString string) (*OwnerClaims, error) {
	if !t.Enabled() {
		return nil, ErrNotConfigured
	}

	token, err := jwt.ParseWithClaims(tokenString, &OwnerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*OwnerClaims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
