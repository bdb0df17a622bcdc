package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// TokenCipher encrypts OAuth tokens at rest with AES-256-GCM. The key is
// derived from a configured secret so operators only manage one string.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher derives an AES-256 key from the secret and prepares the AEAD.
func NewTokenCipher(secret string) (*TokenCipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("token encryption secret is required")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init token cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init token cipher: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals a plaintext token. Empty input stays empty so optional
// refresh tokens round-trip cleanly.
func (tc *TokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, tc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := tc.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed token.
func (tc *TokenCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode token ciphertext: %w", err)
	}
	if len(sealed) < tc.aead.NonceSize() {
		return "", fmt.Errorf("token ciphertext too short")
	}
	nonce, body := sealed[:tc.aead.NonceSize()], sealed[tc.aead.NonceSize():]
	plain, err := tc.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return string(plain), nil
}
