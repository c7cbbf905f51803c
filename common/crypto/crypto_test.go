package crypto_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/arachne-mcp/arachne/common/crypto"
)

func randomSalt(t *testing.T) []byte {
	t.Helper()
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("read salt: %v", err)
	}
	return salt
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := randomSalt(t)

	k1, err := crypto.DeriveKey("sk-arachne-test", salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := crypto.DeriveKey("sk-arachne-test", salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	if len(k1) != crypto.KeySize {
		t.Errorf("key length: got %d, want %d", len(k1), crypto.KeySize)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same (apiKey, salt) produced different keys")
	}
}

func TestDeriveKeyDiffersByInput(t *testing.T) {
	salt := randomSalt(t)

	k1, _ := crypto.DeriveKey("key-a", salt)
	k2, _ := crypto.DeriveKey("key-b", salt)
	if bytes.Equal(k1, k2) {
		t.Error("different API keys produced the same derived key")
	}

	k3, _ := crypto.DeriveKey("key-a", randomSalt(t))
	if bytes.Equal(k1, k3) {
		t.Error("different salts produced the same derived key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := crypto.DeriveKey("round-trip", randomSalt(t))
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	plaintext := []byte("secret")
	ciphertext, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := crypto.Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip: got %q, want %q", got, plaintext)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	salt := randomSalt(t)
	k1, _ := crypto.DeriveKey("old-key", salt)
	k2, _ := crypto.DeriveKey("new-key", salt)

	ciphertext, err := crypto.Encrypt(k1, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := crypto.Decrypt(k2, ciphertext); err == nil {
		t.Error("Decrypt with the wrong key succeeded")
	}
}

func TestEncryptRejectsBadKeySize(t *testing.T) {
	if _, err := crypto.Encrypt([]byte("short"), []byte("x")); err == nil {
		t.Error("Encrypt accepted a short key")
	}
	if _, err := crypto.Decrypt([]byte("short"), []byte("x")); err == nil {
		t.Error("Decrypt accepted a short key")
	}
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	key, _ := crypto.DeriveKey("k", randomSalt(t))
	if _, err := crypto.Decrypt(key, []byte{1, 2, 3}); err == nil {
		t.Error("Decrypt accepted a truncated ciphertext")
	}
}
