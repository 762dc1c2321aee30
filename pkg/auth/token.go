package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "inkhaven"

// ErrTokenInvalid indicates the token failed signature or claims
// validation.
var ErrTokenInvalid = errors.New("invalid token")

// Claims are the registered JWT claims carried by session tokens. Role
// and activity are deliberately not embedded: identity is resolved
// fresh on every request so deactivation takes effect immediately.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 session token for the given user.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("userID is required")
	}

	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}

// VerifyToken checks the token signature and required claims.
func VerifyToken(secret, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}

		return []byte(secret), nil
	})
	if err != nil {
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Issuer != issuer ||
		strings.TrimSpace(claims.Subject) == "" ||
		claims.ExpiresAt == nil {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// HashToken derives the deterministic denylist key for a token. Raw
// tokens are never stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))

	return hex.EncodeToString(sum[:])
}
