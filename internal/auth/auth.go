// Package auth issues and validates activation keys. A key is an HS256
// JWT signed with a secret shared by every installation that should
// accept it.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/form3tech-oss/jwt-go"
	"github.com/google/uuid"
)

const (
	SecretSize = 32
	Issuer     = "ddnet"
)

var (
	ErrNoSecret   = errors.New("no signing secret configured")
	ErrInvalidKey = errors.New("invalid activation key")
	ErrNoPlayer   = errors.New("player name is required")
)

// KeyValidator decides whether an activation key is acceptable.
type KeyValidator interface {
	Validate(key string) error
}

// AllowAll accepts every key. It is used when no secret is configured.
type AllowAll struct{}

func (AllowAll) Validate(string) error { return nil }

// GenerateSecret returns a cryptographically random secret, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, SecretSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Keys issues and validates keys under one secret.
type Keys struct {
	secret []byte
	now    func() time.Time
}

// NewKeys returns a Keys for secret.
func NewKeys(secret string) (*Keys, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Keys{secret: []byte(secret), now: time.Now}, nil
}

// Issue returns a key for player. A zero ttl never expires.
func (k *Keys) Issue(player string, ttl time.Duration) (string, error) {
	if player == "" {
		return "", ErrNoPlayer
	}
	now := k.now()
	claims := jwt.MapClaims{
		"iss": Issuer,
		"sub": player,
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(k.secret)
}

// Validate implements KeyValidator.
func (k *Keys) Validate(key string) error {
	_, err := k.Subject(key)
	return err
}

// Subject validates key and returns the player it was issued to.
func (k *Keys) Subject(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	token, err := jwt.Parse(key, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return k.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidKey
	}
	if !claims.VerifyIssuer(Issuer, true) {
		return "", fmt.Errorf("%w: wrong issuer", ErrInvalidKey)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidKey)
	}
	return sub, nil
}
