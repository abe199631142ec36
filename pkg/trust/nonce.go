package trust

import (
	"sync"
	"time"
)

// NonceStore tracks consumed nonces for signed outbound payloads. A
// nonce is good for exactly one consumption inside its validity window;
// replay and expiry both fail closed.
type NonceStore struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	now      func() time.Time
}

func NewNonceStore() *NonceStore {
	return &NonceStore{consumed: map[string]time.Time{}, now: time.Now}
}

// NewNonceStoreWithClock exists for freshness tests.
func NewNonceStoreWithClock(now func() time.Time) *NonceStore {
	return &NonceStore{consumed: map[string]time.Time{}, now: now}
}

// Consume returns true exactly once per nonce, and only before
// expiresAt. A false return means the caller must not proceed.
func (s *NonceStore) Consume(nonceID string, expiresAt time.Time) bool {
	if nonceID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.now().Before(expiresAt) {
		return false
	}
	if _, seen := s.consumed[nonceID]; seen {
		return false
	}
	s.consumed[nonceID] = expiresAt
	return true
}

// Prune drops bookkeeping for nonces whose window has passed. Replay of
// an expired nonce still fails: Consume rejects on expiry before the
// seen check.
func (s *NonceStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, exp := range s.consumed {
		if now.After(exp) {
			delete(s.consumed, id)
			n++
		}
	}
	return n
}
