package keystore_test

import (
	"bytes"
	"testing"

	"github.com/arachne-mcp/arachne/common/crypto"
	"github.com/arachne-mcp/arachne/internal/arachne/keystore"
)

var testSalt = []byte("0123456789abcdef")

func TestDeriveAndGet(t *testing.T) {
	ks := keystore.New()

	if ks.Get("e1") != nil {
		t.Error("Get on empty store returned a key")
	}

	key, err := ks.Derive("e1", "api-key", testSalt)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Errorf("key length: got %d, want %d", len(key), crypto.KeySize)
	}

	got := ks.Get("e1")
	if !bytes.Equal(got, key) {
		t.Error("Get returned a different key than Derive")
	}

	want, _ := crypto.DeriveKey("api-key", testSalt)
	if !bytes.Equal(got, want) {
		t.Error("cached key does not match direct derivation")
	}
}

func TestVerifiedShortCircuit(t *testing.T) {
	ks := keystore.New()

	if ks.Verified("e1", "api-key") {
		t.Error("Verified true before any Derive")
	}

	if _, err := ks.Derive("e1", "api-key", testSalt); err != nil {
		t.Fatalf("Derive: %v", err)
	}

	if !ks.Verified("e1", "api-key") {
		t.Error("Verified false for the key the entry was derived from")
	}
	if ks.Verified("e1", "other-key") {
		t.Error("Verified true for a different key")
	}
}

func TestPurge(t *testing.T) {
	ks := keystore.New()
	if _, err := ks.Derive("e1", "api-key", testSalt); err != nil {
		t.Fatalf("Derive: %v", err)
	}

	ks.Purge("e1")
	if ks.Get("e1") != nil {
		t.Error("key survives Purge")
	}
	if ks.Verified("e1", "api-key") {
		t.Error("verification cache survives Purge")
	}

	// Purging an absent entry is a no-op.
	ks.Purge("never-there")
}
