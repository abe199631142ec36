// Package trust owns device trust states, signing-key epochs with
// monotonic revocation, and consumed-nonce tracking for replay
// protection. All ambiguity resolves to distrust.
package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type TrustState string

const (
	StateTrusted   TrustState = "trusted"
	StateSuspended TrustState = "suspended"
	StateRevoked   TrustState = "revoked"
)

type DeviceRecord struct {
	Fingerprint string     `json:"fingerprint"`
	DisplayName string     `json:"display_name"`
	TrustState  TrustState `json:"trust_state"`
}

type Epoch struct {
	EpochID          int   `json:"epoch_id"`
	ActiveKeyVersion int   `json:"active_key_version"`
	RevokedVersions  []int `json:"revoked_key_versions"`
}

// Registry is the process-wide trust aggregate: single-writer, mutated
// only through explicit registrar operations. Key bytes live in the
// credential store collaborator; the registry holds names and versions.
type Registry struct {
	mu                 sync.Mutex
	epochID            int
	activeKeyVersion   int
	creds              CredentialStore
	revoked            map[int]bool
	devices            map[string]*DeviceRecord
	currentFingerprint string
}

// NewRegistry starts at epoch 1 with a freshly generated key version 1
// held in an in-process credential store.
func NewRegistry() (*Registry, error) {
	return NewRegistryWithStore(NewMemoryCredentialStore())
}

// NewRegistryWithStore wires the registry to an external credential
// store (the hardware-backed keychain in production).
func NewRegistryWithStore(creds CredentialStore) (*Registry, error) {
	if creds == nil {
		return nil, errors.New("credential store is required")
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := creds.Store(credentialName(1), priv); err != nil {
		return nil, fmt.Errorf("store key version 1: %w", err)
	}
	return &Registry{
		epochID:          1,
		activeKeyVersion: 1,
		creds:            creds,
		revoked:          map[int]bool{},
		devices:          map[string]*DeviceRecord{},
	}, nil
}

func (r *Registry) CurrentEpoch() Epoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epochLocked()
}

func (r *Registry) epochLocked() Epoch {
	revoked := make([]int, 0, len(r.revoked))
	for v := range r.revoked {
		revoked = append(revoked, v)
	}
	return Epoch{EpochID: r.epochID, ActiveKeyVersion: r.activeKeyVersion, RevokedVersions: revoked}
}

// AdvanceEpoch generates a new active key version and bumps the epoch.
// Old versions stay in the credential store but only the active one may
// sign. A store failure leaves the epoch unchanged.
func (r *Registry) AdvanceEpoch() (Epoch, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Epoch{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.activeKeyVersion + 1
	if err := r.creds.Store(credentialName(next), priv); err != nil {
		return Epoch{}, fmt.Errorf("store key version %d: %w", next, err)
	}
	r.epochID++
	r.activeKeyVersion = next
	return r.epochLocked(), nil
}

// Revoke adds a key version to the revoked set. Revocation is monotonic:
// a version, once revoked, stays revoked. The revoked set is the
// authority; deleting the key bytes from the store is hygiene and a
// deletion failure does not undo the revocation.
func (r *Registry) Revoke(keyVersion int) {
	r.mu.Lock()
	r.revoked[keyVersion] = true
	r.mu.Unlock()
	_ = r.creds.Delete(credentialName(keyVersion))
}

func (r *Registry) IsRevoked(keyVersion int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revoked[keyVersion]
}

func (r *Registry) RegisterDevice(fingerprint, displayName string) (DeviceRecord, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return DeviceRecord{}, errors.New("fingerprint is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[fingerprint]; ok {
		return DeviceRecord{}, fmt.Errorf("device %s already registered", fingerprint)
	}
	rec := &DeviceRecord{Fingerprint: fingerprint, DisplayName: displayName, TrustState: StateTrusted}
	r.devices[fingerprint] = rec
	if r.currentFingerprint == "" {
		r.currentFingerprint = fingerprint
	}
	return *rec, nil
}

// SetTrustState transitions a device record. A revoked record is final:
// it can never leave revoked — re-trusting requires a new fingerprint.
func (r *Registry) SetTrustState(fingerprint string, state TrustState) error {
	switch state {
	case StateTrusted, StateSuspended, StateRevoked:
	default:
		return fmt.Errorf("unknown trust state %q", state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[fingerprint]
	if !ok {
		return fmt.Errorf("device %s is not registered", fingerprint)
	}
	if rec.TrustState == StateRevoked {
		return fmt.Errorf("device %s is revoked; register a new fingerprint", fingerprint)
	}
	rec.TrustState = state
	return nil
}

// SetCurrentDevice names the fingerprint this process runs as.
func (r *Registry) SetCurrentDevice(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentFingerprint = fingerprint
}

// IsCurrentDeviceTrusted fails closed: no current device, no record, or
// any state other than trusted all report false.
func (r *Registry) IsCurrentDeviceTrusted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[r.currentFingerprint]
	return ok && rec.TrustState == StateTrusted
}

func (r *Registry) CurrentFingerprint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentFingerprint
}

// Devices returns a snapshot of all records.
func (r *Registry) Devices() []DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, *rec)
	}
	return out
}
