package bodycrypt_test

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"otp-gateway/internal/bodycrypt"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestRoundTrip(t *testing.T) {
	c, err := bodycrypt.New(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Enabled() {
		t.Fatal("Expected cipher to be enabled")
	}

	plaintext := "Your OTP is 482913"
	token := c.Encrypt(plaintext)
	if token == plaintext {
		t.Error("Expected ciphertext to differ from plaintext")
	}
	if got := c.Decrypt(token); got != plaintext {
		t.Errorf("Decrypt = %q, expected %q", got, plaintext)
	}
}

func TestDisabledIsIdentity(t *testing.T) {
	c, err := bodycrypt.New("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Enabled() {
		t.Fatal("Expected empty key to yield a disabled cipher")
	}

	if got := c.Encrypt("hello"); got != "hello" {
		t.Errorf("Encrypt = %q, expected identity", got)
	}
	if got := c.Decrypt("hello"); got != "hello" {
		t.Errorf("Decrypt = %q, expected identity", got)
	}
}

func TestInvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := bodycrypt.New(tt.key)
			if err == nil {
				t.Error("Expected error for invalid key")
			}
			if c == nil || c.Enabled() {
				t.Error("Expected disabled pass-through cipher on invalid key")
			}
		})
	}
}

func TestDecryptGarbagePassesThrough(t *testing.T) {
	c, err := bodycrypt.New(testKey(t))
	if err != nil {
		t.Fatal(err)
	}

	// Bodies that arrived unencrypted must survive a decrypt attempt.
	for _, input := range []string{"plain text body", "aGVsbG8=", ""} {
		if got := c.Decrypt(input); got != input {
			t.Errorf("Decrypt(%q) = %q, expected pass-through", input, got)
		}
	}
}

func TestKeysAreNotInterchangeable(t *testing.T) {
	c1, _ := bodycrypt.New(testKey(t))
	c2, _ := bodycrypt.New(testKey(t))

	token := c1.Encrypt("secret")
	if got := c2.Decrypt(token); got != token {
		t.Errorf("Expected wrong-key decrypt to return input unchanged, got %q", got)
	}
}
