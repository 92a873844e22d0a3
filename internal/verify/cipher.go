package verify

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals email addresses before they reach the database. Lookups go
// through a keyed-independent SHA-256 digest column instead of the
// ciphertext, which is nonce-randomized.
type Cipher struct {
	key []byte
}

// NewCipher constructs a Cipher from a 32 byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("verify: sealing key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &Cipher{key: append([]byte(nil), key...)}, nil
}

// Seal encrypts an email address. The nonce is prepended to the ciphertext.
func (c *Cipher) Seal(email string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("verify: build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(email)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("verify: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(email), nil), nil
}

// Open decrypts a sealed email address.
func (c *Cipher) Open(sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("verify: build aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("verify: sealed email too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("verify: open sealed email: %w", err)
	}
	return string(plain), nil
}

// Digest returns the lookup digest for an email address. Addresses are
// lowercased first so lookups are case-insensitive.
func (c *Cipher) Digest(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email)))
	return hex.EncodeToString(sum[:])
}
