// Package crypt provides the password-based symmetric encryption and salted
// hashing used for tokens and for the reputation cache at rest.
//
// Envelopes have the wire format base64url(salt ‖ nonce ‖ ciphertext) and must
// stay stable across releases: tokens minted by one deployment are decrypted by
// the next.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
	// DefaultSaltSize is the per-envelope salt length.
	DefaultSaltSize = 32
	// MinSaltSize is the smallest salt accepted by NewCipher.
	MinSaltSize = 16
	// DefaultIterations is the PBKDF2-SHA-256 work factor.
	DefaultIterations = 100_000

	tagSize = 16
)

// ErrDecryption is returned for every decryption failure. Callers must not be
// able to tell a malformed envelope from a wrong password or a forged tag.
var ErrDecryption = errors.New("crypt: decryption failed")

// DeriveKey stretches password with salt into an AES-256 key.
func DeriveKey(password, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New)
}

// Cipher encrypts and decrypts envelopes under a password. It holds no
// per-call state and is safe for concurrent use.
type Cipher struct {
	password   []byte
	saltSize   int
	iterations int
	rand       io.Reader
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithSaltSize sets the salt length. Values below MinSaltSize are raised to it.
func WithSaltSize(n int) Option {
	return func(c *Cipher) {
		c.saltSize = max(n, MinSaltSize)
	}
}

// WithIterations sets the PBKDF2 iteration count.
func WithIterations(n int) Option {
	return func(c *Cipher) {
		if n > 0 {
			c.iterations = n
		}
	}
}

// WithRandom replaces the entropy source. Only tests should need this.
func WithRandom(r io.Reader) Option {
	return func(c *Cipher) {
		c.rand = r
	}
}

// NewCipher returns a Cipher bound to password.
func NewCipher(password []byte, opts ...Option) *Cipher {
	c := &Cipher{
		password:   append([]byte(nil), password...),
		saltSize:   DefaultSaltSize,
		iterations: DefaultIterations,
		rand:       rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encrypt seals plaintext with a fresh salt and nonce. Two calls with the same
// input never produce the same envelope.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, c.saltSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return "", fmt.Errorf("crypt: generate salt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("crypt: generate nonce: %w", err)
	}

	aead, err := newAEAD(DeriveKey(c.password, salt, c.iterations))
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+tagSize)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt. Any failure yields ErrDecryption.
func (c *Cipher) Decrypt(envelope string) ([]byte, error) {
	raw, err := decodeBase64URL(envelope)
	if err != nil {
		return nil, ErrDecryption
	}
	if len(raw) < c.saltSize+NonceSize+tagSize {
		return nil, ErrDecryption
	}

	salt := raw[:c.saltSize]
	nonce := raw[c.saltSize : c.saltSize+NonceSize]
	sealed := raw[c.saltSize+NonceSize:]

	aead, err := newAEAD(DeriveKey(c.password, salt, c.iterations))
	if err != nil {
		return nil, ErrDecryption
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// EnvelopeLen returns the encoded length of an envelope for a plaintext of n bytes.
func (c *Cipher) EnvelopeLen(n int) int {
	return base64.RawURLEncoding.EncodedLen(c.saltSize + NonceSize + n + tagSize)
}

// Encrypt is a convenience wrapper for one-off envelopes under password.
func Encrypt(plaintext, password []byte, opts ...Option) (string, error) {
	return NewCipher(password, opts...).Encrypt(plaintext)
}

// Decrypt is a convenience wrapper for Encrypt's counterpart.
func Decrypt(envelope string, password []byte, opts ...Option) ([]byte, error) {
	return NewCipher(password, opts...).Decrypt(envelope)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: new block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: new gcm: %w", err)
	}
	return aead, nil
}

// decodeBase64URL accepts padded and unpadded url-safe input.
func decodeBase64URL(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty input")
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
