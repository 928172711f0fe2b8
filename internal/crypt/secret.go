package crypt

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SecretSize is the length of a generated server secret.
const SecretSize = 32

// LoadOrCreateSecret reads the server secret from path, generating and
// persisting a new one when the file does not exist yet. The secret lives for
// the whole process and is never sent to clients.
func LoadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) < MinSaltSize {
			return nil, fmt.Errorf("crypt: secret in %s is too short (%d bytes)", path, len(data))
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("crypt: read secret: %w", err)
	}

	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("crypt: create secret directory: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("crypt: write secret: %w", err)
	}
	return secret, nil
}

// NewSecret returns SecretSize random bytes.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("crypt: generate secret: %w", err)
	}
	return secret, nil
}
