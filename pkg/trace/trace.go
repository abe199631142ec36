// Package trace builds the terminal proof of one governed execution: a
// hash-only record binding intent, policy, approval, authorization
// token, connector, and certificate. One trace per execution; a session
// is never traced twice.
package trace

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekernel/pkg/canonhash"
	"gatekernel/pkg/domain"
)

// Certificate is what the external executor returns after an approved
// action completes. Opaque to the core beyond its hash and two flags.
type Certificate struct {
	CertificateHash string          `json:"certificate_hash"`
	RiskTier        domain.RiskTier `json:"risk_tier"`
	EnclaveBacked   bool            `json:"enclave_backed"`
}

type Trace struct {
	TraceID         string          `json:"trace_id"`
	Timestamp       time.Time       `json:"timestamp"`
	IntentHash      string          `json:"intent_hash"`
	PolicyHash      string          `json:"policy_hash"`
	ApprovalID      string          `json:"approval_id"`
	TokenHash       string          `json:"token_hash"`
	ConnectorID     string          `json:"connector_id,omitempty"`
	CertificateHash string          `json:"certificate_hash"`
	RiskTier        domain.RiskTier `json:"risk_tier"`
	EnclaveBacked   bool            `json:"enclave_backed"`
	DurationMs      int64           `json:"execution_duration_ms"`
	AllGatesPassed  bool            `json:"all_gates_passed"`
	TraceHash       string          `json:"trace_hash"`
}

// BuildInput carries the hashes of everything the trace binds, plus the
// session state the builder must observe before it may build.
type BuildInput struct {
	Timestamp       time.Time
	IntentHash      string
	PolicyHash      string
	ApprovalID      string
	ApprovalState   string // must be "approved"
	SecondKeyUsed   bool   // true when a fresh confirmation was consumed
	SecondKeyNeeded bool
	TokenHash       string
	ConnectorID     string
	Certificate     Certificate
	Duration        time.Duration
}

// Builder remembers which sessions already produced a trace so a second
// execution attempt is rejected, not silently re-traced.
type Builder struct {
	mu     sync.Mutex
	traced map[string]string // approvalID -> traceID
}

func NewBuilder() *Builder {
	return &Builder{traced: map[string]string{}}
}

// ComputeHash is the deterministic trace hash: identical field values
// (including timestamp) always produce the identical hash.
func ComputeHash(t Trace) string {
	return canonhash.JoinHash(
		t.Timestamp.UTC().Format(time.RFC3339Nano),
		t.IntentHash,
		t.PolicyHash,
		t.ApprovalID,
		t.TokenHash,
		t.ConnectorID,
		t.CertificateHash,
		string(t.RiskTier),
		strconv.FormatBool(t.EnclaveBacked),
		strconv.FormatInt(t.DurationMs, 10),
		strconv.FormatBool(t.AllGatesPassed),
	)
}

// Build computes the trace once. It refuses to build unless the
// referenced approval session is terminal-approved and, when required,
// a fresh second confirmation was consumed for this execution.
func (b *Builder) Build(in BuildInput) (Trace, error) {
	if strings.TrimSpace(in.ApprovalID) == "" {
		return Trace{}, errors.New("approval_id is required")
	}
	if in.ApprovalState != "approved" {
		return Trace{}, &domain.ConfirmationOutOfOrderError{
			Reason: fmt.Sprintf("trace requires an approved session, state is %q", in.ApprovalState),
		}
	}
	if in.SecondKeyNeeded && !in.SecondKeyUsed {
		return Trace{}, &domain.ConfirmationOutOfOrderError{
			Reason: "two-key confirmation was required but not consumed for this execution",
		}
	}
	for _, f := range []struct{ name, v string }{
		{"intent_hash", in.IntentHash},
		{"policy_hash", in.PolicyHash},
		{"token_hash", in.TokenHash},
		{"certificate_hash", in.Certificate.CertificateHash},
	} {
		if strings.TrimSpace(f.v) == "" {
			return Trace{}, fmt.Errorf("%s is required", f.name)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if traceID, done := b.traced[in.ApprovalID]; done {
		return Trace{}, &domain.ConfirmationOutOfOrderError{
			Reason: fmt.Sprintf("session %s already produced trace %s", in.ApprovalID, traceID),
		}
	}

	t := Trace{
		TraceID:         "trc_" + uuid.NewString(),
		Timestamp:       in.Timestamp.UTC(),
		IntentHash:      in.IntentHash,
		PolicyHash:      in.PolicyHash,
		ApprovalID:      in.ApprovalID,
		TokenHash:       in.TokenHash,
		ConnectorID:     in.ConnectorID,
		CertificateHash: in.Certificate.CertificateHash,
		RiskTier:        in.Certificate.RiskTier,
		EnclaveBacked:   in.Certificate.EnclaveBacked,
		DurationMs:      in.Duration.Milliseconds(),
		AllGatesPassed:  true,
	}
	t.TraceHash = ComputeHash(t)
	b.traced[in.ApprovalID] = t.TraceID
	return t, nil
}
