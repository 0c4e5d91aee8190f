package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Cipher encrypts personally identifiable fields with AES-256-GCM. Ciphertext
// is bound to the owning user id via GCM additional data, so a row copied to
// another user fails to decrypt.
type Cipher struct {
	aead    cipher.AEAD
	hashKey []byte
}

// NewCipher builds a Cipher from a 32-byte key supplied raw or hex-encoded.
func NewCipher(encryptionKey, lookupHashKey string) (*Cipher, error) {
	key, err := normaliseKey(encryptionKey)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}

	hashKey, err := normaliseKey(lookupHashKey)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead, hashKey: hashKey}, nil
}

func normaliseKey(key string) ([]byte, error) {
	if len(key) == 64 {
		if decoded, err := hex.DecodeString(key); err == nil {
			return decoded, nil
		}
	}
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes (raw) or 64 hex characters")
	}
	return []byte(key), nil
}

// Encrypt seals plaintext bound to userID and returns base64(nonce||ciphertext).
func (c *Cipher) Encrypt(plaintext, userID string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(userID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt for the same userID.
func (c *Cipher) Decrypt(encoded, userID string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("decrypt: ciphertext too short")
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(userID))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// HashForLookup returns a deterministic keyed hash of value, used to query
// encrypted columns by equality (e.g. email at login).
func (c *Cipher) HashForLookup(value string) string {
	mac := hmac.New(sha256.New, c.hashKey)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(mac.Sum(nil))
}
