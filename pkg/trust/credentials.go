package trust

import (
	"fmt"
	"strconv"
	"sync"
)

// CredentialStore is the secret-storage collaborator behind the
// registry: production wires the hardware-backed keychain, and the
// registry only ever handles credential names, never decides where the
// bytes live. Retrieve must fail for names it does not hold.
type CredentialStore interface {
	Store(name string, secret []byte) error
	Retrieve(name string) ([]byte, error)
	Delete(name string) error
}

func credentialName(keyVersion int) string {
	return "signing-key-v" + strconv.Itoa(keyVersion)
}

// MemoryCredentialStore is the in-process default for dev and tests.
type MemoryCredentialStore struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{secrets: map[string][]byte{}}
}

func (s *MemoryCredentialStore) Store(name string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(secret))
	copy(cp, secret)
	s.secrets[name] = cp
	return nil
}

func (s *MemoryCredentialStore) Retrieve(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[name]
	if !ok {
		return nil, fmt.Errorf("credential %q not found", name)
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return cp, nil
}

// Delete is idempotent: removing an absent credential is not an error.
func (s *MemoryCredentialStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
	return nil
}
