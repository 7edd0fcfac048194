// ABOUTME: JWT issuance and verification for API access, HS256 with a jti revocation set.
// ABOUTME: Expired jtis are cleaned up opportunistically on revoke and verify.

package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenRevoked = errors.New("auth: token revoked")
)

// JWTManager issues and verifies HS256 access tokens carrying
// {sub, iat, exp, jti}.
type JWTManager struct {
	secret []byte
	ttl    time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> expiry
}

// NewJWTManager creates a manager signing with the given secret.
func NewJWTManager(secret []byte, ttl time.Duration) *JWTManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTManager{
		secret:  secret,
		ttl:     ttl,
		revoked: make(map[string]time.Time),
	}
}

// Issue creates a signed token for the user.
func (m *JWTManager) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the user id. Revoked and
// expired tokens fail.
func (m *JWTManager) Verify(tokenString string) (string, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cleanupLocked()
	_, revoked := m.revoked[claims.ID]
	m.mu.Unlock()
	if revoked {
		return "", ErrTokenRevoked
	}
	return claims.Subject, nil
}

// Revoke adds the token's jti to the revocation set until its natural expiry.
func (m *JWTManager) Revoke(tokenString string) error {
	claims, err := m.parse(tokenString)
	if err != nil {
		return err
	}

	expiry := time.Now().Add(m.ttl)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}

	m.mu.Lock()
	m.cleanupLocked()
	m.revoked[claims.ID] = expiry
	m.mu.Unlock()
	return nil
}

func (m *JWTManager) parse(tokenString string) (*jwt.RegisteredClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// cleanupLocked drops revocation entries whose tokens have expired anyway.
func (m *JWTManager) cleanupLocked() {
	now := time.Now()
	for jti, expiry := range m.revoked {
		if now.After(expiry) {
			delete(m.revoked, jti)
		}
	}
}
