// Package secrets provides the AES-256-GCM cipher used for stored tenant
// connection strings and for the response envelope.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Purposes used as HKDF info so one configured secret yields independent keys.
const (
	PurposeConnectionStrings = "tenantgate/connection-strings"
	PurposeResponseEnvelope  = "tenantgate/response-envelope"
)

// ErrEmptySecret is returned when no key material was configured.
var ErrEmptySecret = errors.New("secrets: empty key material")

// Cipher handles AES-256-GCM encryption/decryption
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a new cipher from a raw 256-bit key
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes (256 bits), got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// NewCipherFromSecret builds a cipher from configured key material.
// A 64-character hex string is used verbatim; anything else is stretched
// with HKDF-SHA256 using purpose as the info string.
func NewCipherFromSecret(secret, purpose string) (*Cipher, error) {
	key, err := DeriveKey(secret, purpose)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

// DeriveKey turns configured key material into a 256-bit key.
func DeriveKey(secret, purpose string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if len(secret) == 2*KeySize {
		if raw, err := hex.DecodeString(secret); err == nil {
			return raw, nil
		}
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext using AES-256-GCM
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plaintext, err := c.gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptString encrypts s and hex-encodes the result for a TEXT column.
func (c *Cipher) EncryptString(s string) (string, error) {
	ct, err := c.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ct), nil
}

// DecryptString reverses EncryptString.
func (c *Cipher) DecryptString(s string) (string, error) {
	ct, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	pt, err := c.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// GenerateKey generates a random 256-bit key and returns it hex-encoded
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
