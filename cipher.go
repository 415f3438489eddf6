package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const cipherKeyLen = 32

// Cipher encrypts token strings at rest. Built once at startup; a malformed
// key is fatal because serving traffic with broken crypto silently produces
// unreadable rows.
type Cipher struct {
	key [cipherKeyLen]byte
}

// NewCipher builds a Cipher from a urlsafe base64 key that must decode to
// exactly 32 raw bytes.
func NewCipher(encoded string) (*Cipher, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("encryption key is empty")
	}
	raw, err := decodeURLSafe(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key format (must be urlsafe base64 of 32 bytes): %w", err)
	}
	if len(raw) != cipherKeyLen {
		return nil, fmt.Errorf("encryption key must decode to exactly %d bytes, got %d", cipherKeyLen, len(raw))
	}
	c := &Cipher{}
	copy(c.key[:], raw)
	return c, nil
}

// Encrypt seals a UTF-8 string and returns a urlsafe base64 token.
// Never log the result next to its plaintext.
func (c *Cipher) Encrypt(plaintext string) string {
	if plaintext == "" {
		return ""
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		// rand.Read never fails on supported platforms
		panic("cipher: reading nonce: " + err.Error())
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(sealed)
}

// Decrypt opens a token produced by Encrypt. A failed authentication check is
// an absence signal, not an error: the credential store asks "is there a
// usable token" far more often than it cares why there is not.
func (c *Cipher) Decrypt(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	sealed, err := decodeURLSafe(token)
	if err != nil || len(sealed) < 24 {
		return "", false
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return "", false
	}
	return string(plain), true
}

// decodeURLSafe accepts both padded and unpadded urlsafe base64.
func decodeURLSafe(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
