package trust

import (
	"testing"
	"time"
)

func TestRevocationIsMonotonic(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	r.Revoke(1)
	if !r.IsRevoked(1) {
		t.Fatal("expected version 1 revoked")
	}
	// Advancing the epoch never clears the revoked set.
	if _, err := r.AdvanceEpoch(); err != nil {
		t.Fatal(err)
	}
	if !r.IsRevoked(1) {
		t.Fatal("revocation must survive epoch advance")
	}
}

func TestEpochAdvancesMonotonically(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	e1 := r.CurrentEpoch()
	e2, err := r.AdvanceEpoch()
	if err != nil {
		t.Fatal(err)
	}
	if e2.EpochID <= e1.EpochID || e2.ActiveKeyVersion <= e1.ActiveKeyVersion {
		t.Fatalf("expected monotonic advance, got %+v -> %+v", e1, e2)
	}
}

func TestRevokedDeviceIsFinal(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterDevice("fp-1", "phone"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetTrustState("fp-1", StateRevoked); err != nil {
		t.Fatal(err)
	}
	if err := r.SetTrustState("fp-1", StateTrusted); err == nil {
		t.Fatal("revoked device must never return to trusted")
	}
	if err := r.SetTrustState("fp-1", StateSuspended); err == nil {
		t.Fatal("revoked device must not leave revoked at all")
	}
	if r.IsCurrentDeviceTrusted() {
		t.Fatal("revoked current device must not report trusted")
	}
}

func TestCurrentDeviceTrustFailsClosed(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if r.IsCurrentDeviceTrusted() {
		t.Fatal("no registered device must not report trusted")
	}
	if _, err := r.RegisterDevice("fp-2", "laptop"); err != nil {
		t.Fatal(err)
	}
	if !r.IsCurrentDeviceTrusted() {
		t.Fatal("first registered device starts trusted")
	}
	if err := r.SetTrustState("fp-2", StateSuspended); err != nil {
		t.Fatal(err)
	}
	if r.IsCurrentDeviceTrusted() {
		t.Fatal("suspended device must not report trusted")
	}
}

func TestNonceConsumeOnceWithinWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewNonceStoreWithClock(func() time.Time { return now })

	exp := now.Add(time.Minute)
	if !s.Consume("n-1", exp) {
		t.Fatal("first consumption must succeed")
	}
	if s.Consume("n-1", exp) {
		t.Fatal("replayed nonce must fail closed")
	}
	if s.Consume("n-2", now.Add(-time.Second)) {
		t.Fatal("expired nonce must fail closed")
	}
	if s.Consume("", exp) {
		t.Fatal("empty nonce id must fail closed")
	}
}
