// Package bodycrypt encrypts SMS bodies in transit through the pipeline.
// Bodies are decrypted in memory only, at the point of dispatch.
package bodycrypt

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Cipher wraps nacl/secretbox with a base64 string surface. With no key
// configured both operations are the identity, matching deployments that
// run without end-to-end body encryption.
type Cipher struct {
	key     *[32]byte
	enabled bool
}

// New parses a base64-encoded 32-byte key. An empty key yields a disabled
// (pass-through) cipher; an invalid key is reported so the caller can log
// the degradation and proceed unencrypted.
func New(key string) (*Cipher, error) {
	if key == "" {
		return &Cipher{}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return &Cipher{}, fmt.Errorf("decode cipher key: %w", err)
	}
	if len(raw) != 32 {
		return &Cipher{}, fmt.Errorf("cipher key must be 32 bytes, got %d", len(raw))
	}

	var k [32]byte
	copy(k[:], raw)
	return &Cipher{key: &k, enabled: true}, nil
}

func (c *Cipher) Enabled() bool {
	return c.enabled
}

// Encrypt seals plaintext into a base64 token. Identity when disabled.
func (c *Cipher) Encrypt(plaintext string) string {
	if !c.enabled {
		return plaintext
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return plaintext
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, c.key)
	return base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt opens a token produced by Encrypt. On any failure the raw input
// is returned unchanged, so bodies that arrived unencrypted pass through.
func (c *Cipher) Decrypt(token string) string {
	if !c.enabled {
		return token
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil || len(raw) <= nonceSize {
		return token
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, c.key)
	if !ok {
		return token
	}
	return string(opened)
}
