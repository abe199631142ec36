package trust

import (
	"errors"
	"testing"
	"time"

	"gatekernel/pkg/domain"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	payload := map[string]string{"session_id": "aps_1", "intent_hash": "abc"}
	env, err := r.Sign(payload, time.Now(), "execution-token")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if env.Version != "sig-v1" || env.Algorithm != "ed25519" || env.KeyID != "kv-1" {
		t.Fatalf("unexpected envelope metadata: %+v", env)
	}
	if err := r.VerifyEnvelope(payload, env); err != nil {
		t.Fatalf("VerifyEnvelope: %v", err)
	}
	if err := r.VerifyEnvelope(map[string]string{"session_id": "aps_2"}, env); err == nil {
		t.Fatal("expected payload mismatch to fail verification")
	}
}

func TestRevokedActiveKeyRefusesToSign(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	r.Revoke(r.CurrentEpoch().ActiveKeyVersion)
	_, err = r.Sign("payload", time.Now(), "")
	var revoked *domain.KeyRevokedError
	if !errors.As(err, &revoked) {
		t.Fatalf("expected KeyRevokedError, got %v", err)
	}
}

func TestVerificationRejectsRevokedVersionIndependentOfEpochCache(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	payload := "signed before revocation"
	env, err := r.Sign(payload, time.Now(), "")
	if err != nil {
		t.Fatal(err)
	}

	// A caller may still hold the old epoch snapshot; the revocation
	// check must not depend on it.
	stale := r.CurrentEpoch()
	if _, err := r.AdvanceEpoch(); err != nil {
		t.Fatal(err)
	}
	r.Revoke(stale.ActiveKeyVersion)

	verr := r.VerifyEnvelope(payload, env)
	var revoked *domain.KeyRevokedError
	if !errors.As(verr, &revoked) {
		t.Fatalf("expected KeyRevokedError for stale-epoch signature, got %v", verr)
	}
	if revoked.Version != stale.ActiveKeyVersion {
		t.Fatalf("expected version %d, got %d", stale.ActiveKeyVersion, revoked.Version)
	}
}
