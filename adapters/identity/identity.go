// Package identity mints and verifies the signed identity descriptors
// hosts attach to calls. Stateless HS256 tokens, so multiple hosts can
// verify without shared storage.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modgate/modgate/core/call"
)

const defaultTTL = 24 * time.Hour

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid identity token")

// claims is the JWT payload carrying a call identity.
type claims struct {
	Roles []string       `json:"roles,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies identity tokens. Safe for concurrent use.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewService creates an identity service. An empty secret gets a
// random 32-byte one, which limits verification to this process.
func NewService(secret string, ttl time.Duration) *Service {
	var secretBytes []byte
	if secret == "" {
		secretBytes = make([]byte, 32)
		rand.Read(secretBytes)
	} else {
		secretBytes = []byte(secret)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{secret: secretBytes, issuer: "modgate", ttl: ttl}
}

// Mint signs an identity descriptor into a token.
func (s *Service) Mint(id *call.Identity) (string, error) {
	if id == nil || id.Subject == "" {
		return "", errors.New("identity subject must not be empty")
	}
	now := time.Now().UTC()
	expiresAt := id.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.ttl)
	}

	c := claims{
		Roles: id.Roles,
		Extra: id.Claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

// Parse verifies a token and rebuilds the identity descriptor.
func (s *Service) Parse(tokenString string) (*call.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	id := &call.Identity{
		Subject: c.Subject,
		Roles:   c.Roles,
		Claims:  c.Extra,
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id, nil
}

// GenerateSecret generates a random secret suitable for token signing.
func GenerateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
