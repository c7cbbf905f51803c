// Package keystore holds derived per-Entity message keys in volatile memory.
// Keys are populated at Entity creation, key regeneration, and on the first
// API-key-authenticated MCP request; they are cleared on deactivation,
// deletion, and process exit, and are never serialized anywhere.
package keystore

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"

	"github.com/arachne-mcp/arachne/common/crypto"
)

type entry struct {
	key []byte
	// apiKeySum fingerprints the raw API key the entry was derived from, so
	// repeated MCP calls in a session skip the bcrypt comparison.
	apiKeySum [sha256.Size]byte
}

// Store is an in-memory map from Entity id to its 32-byte derived key.
// The zero value is not usable; call New.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty key store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Derive computes the Entity's message key from the raw API key and salt,
// caches it, and returns it. The cached entry also remembers a fingerprint
// of the API key so later Verified calls can short-circuit bcrypt.
func (s *Store) Derive(entityID, apiKey string, salt []byte) ([]byte, error) {
	key, err := crypto.DeriveKey(apiKey, salt)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entries[entityID] = &entry{key: key, apiKeySum: sha256.Sum256([]byte(apiKey))}
	s.mu.Unlock()
	return key, nil
}

// Get returns the cached key for the Entity, or nil when none is held (e.g.
// OAuth-only sessions that never presented the raw API key).
func (s *Store) Get(entityID string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[entityID]; ok {
		return e.key
	}
	return nil
}

// Verified reports whether the presented API key matches the one this entry
// was derived from. False means the caller must fall back to bcrypt; a stale
// entry after key regeneration fails here and gets replaced on re-derive.
func (s *Store) Verified(entityID, apiKey string) bool {
	s.mu.RLock()
	e, ok := s.entries[entityID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	sum := sha256.Sum256([]byte(apiKey))
	return subtle.ConstantTimeCompare(sum[:], e.apiKeySum[:]) == 1
}

// Purge drops the Entity's key, zeroing the material first. Called on
// deactivation, deletion, and key regeneration.
func (s *Store) Purge(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[entityID]; ok {
		for i := range e.key {
			e.key[i] = 0
		}
		delete(s.entries, entityID)
	}
}
