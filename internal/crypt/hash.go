package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// HashSeparator joins digest and salt in a stored hash.
const HashSeparator = "//"

// HashSaltSize is the number of random bytes behind the hex-encoded salt.
const HashSaltSize = 8

// ErrMalformedHash is returned when a stored hash has no "digest//salt" shape.
var ErrMalformedHash = errors.New("crypt: malformed hash")

// Hash returns "hex(sha256(salt ‖ plaintext))//salt". A random hex salt is
// drawn when salt is empty, so hashing the same value twice gives two
// unrelated strings.
func Hash(plaintext, salt string) (string, error) {
	if salt == "" {
		b := make([]byte, HashSaltSize)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		salt = hex.EncodeToString(b)
	}
	return digest(plaintext, salt) + HashSeparator + salt, nil
}

// Compare reports whether plaintext hashes to stored under stored's salt.
// Every stored hash carries its own salt, so finding a plaintext among many
// hashes means calling Compare once per hash.
func Compare(plaintext, stored string) bool {
	want, salt, err := SplitHash(stored)
	if err != nil {
		return false
	}
	got := digest(plaintext, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// SplitHash separates a stored hash into digest and salt.
func SplitHash(stored string) (digestHex, salt string, err error) {
	digestHex, salt, ok := strings.Cut(stored, HashSeparator)
	if !ok || digestHex == "" || salt == "" {
		return "", "", ErrMalformedHash
	}
	return digestHex, salt, nil
}

func digest(plaintext, salt string) string {
	sum := sha256.Sum256([]byte(salt + plaintext))
	return hex.EncodeToString(sum[:])
}
