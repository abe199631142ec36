package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gatekernel/pkg/canonhash"
	"gatekernel/pkg/domain"
)

// SignatureEnvelope carries an ed25519 signature over the canonical
// SHA256 of a payload, with the key version that produced it.
type SignatureEnvelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
	KeyID       string `json:"key_id"`
	Context     string `json:"context,omitempty"`
}

const envelopeVersion = "sig-v1"

func keyID(version int) string { return "kv-" + strconv.Itoa(version) }

func keyVersionFromID(id string) (int, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(id), "kv-")
	if !ok {
		return 0, errors.New("key_id must have kv- prefix")
	}
	return strconv.Atoi(rest)
}

// Sign produces an envelope with the epoch's active key, fetched from
// the credential store at the moment of signing. A revoked active
// version refuses before the store is touched.
func (r *Registry) Sign(payload any, issuedAt time.Time, context string) (SignatureEnvelope, error) {
	r.mu.Lock()
	version := r.activeKeyVersion
	revoked := r.revoked[version]
	r.mu.Unlock()

	if revoked {
		return SignatureEnvelope{}, &domain.KeyRevokedError{Version: version}
	}
	secret, err := r.creds.Retrieve(credentialName(version))
	if err != nil {
		return SignatureEnvelope{}, fmt.Errorf("retrieve key version %d: %w", version, err)
	}
	if len(secret) != ed25519.PrivateKeySize {
		return SignatureEnvelope{}, fmt.Errorf("malformed key material for version %d", version)
	}
	priv := ed25519.PrivateKey(secret)

	payloadHash, _, err := canonhash.CanonicalSHA256(payload)
	if err != nil {
		return SignatureEnvelope{}, err
	}
	hashBytes, err := hex.DecodeString(payloadHash)
	if err != nil {
		return SignatureEnvelope{}, err
	}
	sig := ed25519.Sign(priv, hashBytes)
	env := SignatureEnvelope{
		Version:     envelopeVersion,
		Algorithm:   "ed25519",
		PublicKey:   base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PayloadHash: payloadHash,
		IssuedAt:    issuedAt.UTC().Format(time.RFC3339Nano),
		KeyID:       keyID(version),
	}
	if strings.TrimSpace(context) != "" {
		env.Context = strings.TrimSpace(context)
	}
	return env, nil
}

// VerifyEnvelope checks the envelope against payload and the revocation
// set. The revocation check reads the registry's revoked set directly,
// independent of any epoch snapshot the caller may hold, so a stale
// epoch cache can never accept a revoked key.
func (r *Registry) VerifyEnvelope(payload any, env SignatureEnvelope) error {
	if env.Version != envelopeVersion {
		return errors.New("version must be " + envelopeVersion)
	}
	if env.Algorithm != "ed25519" {
		return errors.New("algorithm must be ed25519")
	}
	version, err := keyVersionFromID(env.KeyID)
	if err != nil {
		return err
	}
	if r.IsRevoked(version) {
		return &domain.KeyRevokedError{Version: version}
	}
	payloadHash, _, err := canonhash.CanonicalSHA256(payload)
	if err != nil {
		return err
	}
	if env.PayloadHash != payloadHash {
		return errors.New("payload hash mismatch")
	}
	pub, err := base64.StdEncoding.DecodeString(env.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("invalid public key encoding")
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	hashBytes, err := hex.DecodeString(env.PayloadHash)
	if err != nil {
		return errors.New("payload_hash must be lowercase hex sha256")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), hashBytes, sig) {
		return errors.New("signature verification failed")
	}
	if _, err := domain.ParseRFC3339UTC(env.IssuedAt, "issued_at"); err != nil {
		return err
	}
	return nil
}
