package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// SecretsManager seals provider credentials before they reach the
// store. Git app private keys, client secrets and refresh tokens are
// encrypted with AES-256-GCM under a single installation-wide key.
type SecretsManager struct {
	aead cipher.AEAD
}

// NewSecretsManager builds a manager from a raw 32-byte key. The AEAD
// is constructed once here; Encrypt and Decrypt reuse it.
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &SecretsManager{aead: aead}, nil
}

// NewSecretsManagerFromHex builds a manager from the hex-encoded key
// carried in the config file (64 hex characters).
func NewSecretsManagerFromHex(hexKey string) (*SecretsManager, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	return NewSecretsManager(key)
}

// Encrypt seals plaintext under a fresh random nonce. The nonce is
// prepended to the ciphertext so Decrypt needs no extra state.
func (sm *SecretsManager) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	nonce := make([]byte, sm.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return sm.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed credential produced by Encrypt. Tampered or
// wrong-key ciphertexts fail authentication and return an error.
func (sm *SecretsManager) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	nonceSize := sm.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plaintext, err := sm.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}
	return plaintext, nil
}

// EncryptString seals a credential and base64-encodes it so it can live
// inside a JSON record in the store.
func (sm *SecretsManager) EncryptString(plaintext string) (string, error) {
	ciphertext, err := sm.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString reverses EncryptString.
func (sm *SecretsManager) DecryptString(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	plaintext, err := sm.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
