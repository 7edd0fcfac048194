// ABOUTME: Encrypted credential cache: per-user provider tokens sealed with AES-GCM.
// ABOUTME: The key derives from a passphrase via pbkdf2; entries expire 8 hours after issue.

package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	credentialTTL   = 8 * time.Hour
	pbkdf2Iters     = 64000
	derivedKeyBytes = 32
)

var (
	ErrNoCredential      = errors.New("auth: no credential cached")
	ErrCredentialExpired = errors.New("auth: credential expired")
)

// Credential is the per-user secret material held by the cache.
type Credential struct {
	UserID      string    `json:"user_id"`
	HubToken    string    `json:"hub_token"`
	ProviderKey string    `json:"provider_key,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// TokenVault keeps credentials encrypted at rest in memory. The 8 hour TTL
// is enforced on read, so stale entries can never be handed out.
type TokenVault struct {
	aead cipher.AEAD

	mu    sync.Mutex
	blobs map[string][]byte
}

// NewTokenVault derives an AES-256-GCM key from the passphrase and salt.
func NewTokenVault(passphrase, salt []byte) (*TokenVault, error) {
	key := pbkdf2.Key(passphrase, salt, pbkdf2Iters, derivedKeyBytes, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &TokenVault{aead: aead, blobs: make(map[string][]byte)}, nil
}

// Store seals a credential for its user. IssuedAt is stamped here.
func (v *TokenVault) Store(cred Credential) error {
	cred.IssuedAt = time.Now().UTC()
	sealed, err := v.seal(cred)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.blobs[cred.UserID] = sealed
	v.mu.Unlock()
	return nil
}

func (v *TokenVault) seal(cred Credential) ([]byte, error) {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Load opens the user's credential. Entries older than the TTL are evicted
// and reported expired.
func (v *TokenVault) Load(userID string) (Credential, error) {
	v.mu.Lock()
	sealed, ok := v.blobs[userID]
	v.mu.Unlock()
	if !ok {
		return Credential{}, ErrNoCredential
	}

	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return Credential{}, fmt.Errorf("auth: corrupt credential blob")
	}
	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return Credential{}, fmt.Errorf("open credential: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	if time.Since(cred.IssuedAt) > credentialTTL {
		v.Delete(userID)
		return Credential{}, ErrCredentialExpired
	}
	return cred, nil
}

// Delete removes the user's credential.
func (v *TokenVault) Delete(userID string) {
	v.mu.Lock()
	delete(v.blobs, userID)
	v.mu.Unlock()
}
