// Package idempotency implements the shared claim-once ledger that turns
// at-least-once queue delivery into effectively-once visible side effects.
// All access goes through the single atomic Claim operation; there is no
// read-then-write path.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Store is the claim ledger shared by all worker instances. Claim returns
// true exactly once per key within the retention window; concurrent claims on
// the same key resolve deterministically to one winner. A Store error means
// deduplication could not be guaranteed and the caller must treat the whole
// delivery as a transient failure (fail-closed).
type Store interface {
	// Claim atomically records the key if absent. The second caller for the
	// same key observes false until the retention window expires.
	Claim(ctx context.Context, key string) (bool, error)

	// Release withdraws a claim so a later redelivery can succeed. Used when
	// the claimed delivery failed before producing its visible effect.
	Release(ctx context.Context, key string) error
}

// MemoryStore is the in-process ledger used with the channel transport and in
// tests. Entries expire after the configured TTL.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

// NewMemoryStore creates an in-memory ledger with the given retention window.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.entries[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.entries[key] = now.Add(s.ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len reports the number of live claims; expired entries are swept first.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, key)
		}
	}
	return len(s.entries)
}
