package security

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidCiphertext is returned when a stored credential cannot be
// decrypted. Callers must treat this as an authentication failure, not a
// retryable fault.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

func aead() (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(GetConfig().CredentialsKey)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credentials key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return chacha20poly1305.New(key)
}

// EncryptString encrypts plain text for storage. Output is base64 of
// nonce||ciphertext.
func EncryptString(plain string) (string, error) {
	c, err := aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, c.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString. A wrong key or tampered value
// returns ErrInvalidCiphertext.
func DecryptString(token string) (string, error) {
	c, err := aead()
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < c.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := raw[:c.NonceSize()], raw[c.NonceSize():]
	plain, err := c.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
