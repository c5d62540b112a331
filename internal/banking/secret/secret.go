// Package secret seals OAuth tokens before they are written to the database.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	prefix    = "sb1:"
	nonceSize = 24
)

// ErrDecrypt is returned when a sealed value cannot be opened with the configured key.
var ErrDecrypt = errors.New("secret: decrypt failed")

// Box seals and opens string values. A Box without a key stores values as-is.
type Box struct {
	key     *[32]byte
	entropy io.Reader
}

// NewBox derives a 32-byte key from the configured passphrase. An empty
// passphrase yields a passthrough box for local development.
func NewBox(passphrase string) *Box {
	if strings.TrimSpace(passphrase) == "" {
		return &Box{entropy: rand.Reader}
	}
	key := deriveKey(passphrase)
	return &Box{key: &key, entropy: rand.Reader}
}

func deriveKey(passphrase string) [32]byte {
	if raw, err := base64.StdEncoding.DecodeString(passphrase); err == nil && len(raw) == 32 {
		var key [32]byte
		copy(key[:], raw)
		return key
	}
	return sha256.Sum256([]byte(passphrase))
}

// Enabled reports whether values are actually encrypted.
func (b *Box) Enabled() bool {
	return b != nil && b.key != nil
}

// Seal encrypts plaintext. Empty input stays empty so nullable columns remain null-like.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" || !b.Enabled() {
		return plaintext, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(b.entropy, nonce[:]); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, b.key)
	return prefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned unchanged so rows written before encryption keep working.
func (b *Box) Open(value string) (string, error) {
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	if !b.Enabled() {
		return "", fmt.Errorf("%w: no key configured", ErrDecrypt)
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, b.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(out), nil
}
