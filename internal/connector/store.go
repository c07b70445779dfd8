package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Store is the external credential-store contract the gateway consumes
// (spec.md §6): lookup(api_key) -> Connector | None. The core never sees raw
// API keys past this boundary — callers pre-hash with HashAPIKey.
type Store interface {
	Lookup(ctx context.Context, apiKeyHash string) (*Connector, bool, error)
}

// HashAPIKey computes the hex-encoded SHA-256 digest the credential store is
// keyed on, so raw secrets never need to cross the lookup boundary.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// StaticStore is a reference Store backed by a JSON file, seeded at
// boot. It exists because the gateway needs *some* runnable credential store
// and the admin CRUD surface that would normally populate one is explicitly
// out of scope (spec.md §1, §6) — production deployments should implement
// Store against their own connector database instead.
type StaticStore struct {
	mu         sync.RWMutex
	byKeyHash  map[string]*Connector
}

// NewStaticStore loads connectors from a JSON file containing an array of
// Connector objects. A missing file yields an empty store, not an error,
// so the gateway can boot before an operator has provisioned any connectors.
func NewStaticStore(path string) (*StaticStore, error) {
	s := &StaticStore{byKeyHash: make(map[string]*Connector)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read connector config %s: %w", path, err)
	}

	var connectors []Connector
	if err := json.Unmarshal(data, &connectors); err != nil {
		return nil, fmt.Errorf("parse connector config %s: %w", path, err)
	}

	for i := range connectors {
		c := connectors[i]
		c.Normalize()
		s.byKeyHash[c.APIKeyHash] = &c
	}
	return s, nil
}

// Lookup implements Store. Inactive connectors are treated as unknown,
// per spec.md §3's invariant note.
func (s *StaticStore) Lookup(_ context.Context, apiKeyHash string) (*Connector, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byKeyHash[apiKeyHash]
	if !ok || !c.IsActive {
		return nil, false, nil
	}
	// Return a copy so callers can't mutate the store's internal state.
	copied := *c
	return &copied, true, nil
}
