// Package crypto seals OAuth token files at rest with AES-256-GCM. Sealing
// is optional: components fall back to plaintext files when no master key
// is configured.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Seal encrypts plaintext under the base64-encoded 256-bit master key and
// returns base64 ciphertext with the nonce prepended. Empty plaintext stays
// empty.
func Seal(plaintext []byte, masterKey string) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}

	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts Seal output back to the original bytes.
func Open(ciphertext string, masterKey string) ([]byte, error) {
	if ciphertext == "" {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(masterKey string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// GenerateMasterKey generates a new random 256-bit (32-byte) master key.
// Returns base64-encoded key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32) // 256 bits
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

// IsSealed reports whether data looks like Seal output rather than a
// plaintext JSON token. This is a heuristic check, not foolproof: JSON
// starts with characters outside the base64 alphabet, so anything that
// decodes and is long enough to hold a nonce and tag is treated as sealed.
func IsSealed(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return false
	}
	return len(decoded) >= 20
}
