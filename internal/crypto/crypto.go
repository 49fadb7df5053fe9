// Package crypto seals small secrets (the driver's bearer token) before they
// are written to the local settings store. Uses AES-256-GCM with a key derived
// by HKDF-SHA256 from a device secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the device secret is empty.
	ErrInvalidKey = errors.New("invalid key")
)

const keyInfo = "driversync/settings/v1"

// Sealer encrypts and decrypts values bound to one device secret.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a sealing key from secret. salt may be nil.
func NewSealer(secret, salt []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(keyInfo)), key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
// label is authenticated but not encrypted; it binds the value to its
// settings key so sealed values cannot be swapped between keys.
func (s *Sealer) Seal(plaintext []byte, label string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, []byte(label))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(encoded string, label string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, cipherData, []byte(label))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// SealString is Seal for string values.
func (s *Sealer) SealString(plaintext, label string) (string, error) {
	return s.Seal([]byte(plaintext), label)
}

// OpenString is Open for string values.
func (s *Sealer) OpenString(encoded, label string) (string, error) {
	b, err := s.Open(encoded, label)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
