package trace

import (
	"encoding/json"
	"fmt"
	"time"

	"gatekernel/pkg/canonhash"
	"gatekernel/pkg/domain"
)

const exportSchemaVersion = "execution-trace-v1"

// Export is the trace's wire form: hashes and metadata only, never raw
// content, pretty-printed with sorted keys.
type Export struct {
	TraceID         string          `json:"trace_id"`
	Timestamp       string          `json:"timestamp"`
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
	ExportedAt      string          `json:"exported_at"`
	SchemaVersion   string          `json:"schema_version"`
}

func (t Trace) ExportJSON(now time.Time) ([]byte, error) {
	exp := Export{
		TraceID:         t.TraceID,
		Timestamp:       t.Timestamp.UTC().Format(time.RFC3339Nano),
		IntentHash:      t.IntentHash,
		PolicyHash:      t.PolicyHash,
		ApprovalID:      t.ApprovalID,
		TokenHash:       t.TokenHash,
		ConnectorID:     t.ConnectorID,
		CertificateHash: t.CertificateHash,
		RiskTier:        t.RiskTier,
		EnclaveBacked:   t.EnclaveBacked,
		DurationMs:      t.DurationMs,
		AllGatesPassed:  t.AllGatesPassed,
		TraceHash:       t.TraceHash,
		ExportedAt:      now.UTC().Format(time.RFC3339Nano),
		SchemaVersion:   exportSchemaVersion,
	}
	return canonhash.ExportJSON(exp)
}

// ParseExport reads an exported trace back for offline verification.
func ParseExport(b []byte) (Export, error) {
	var exp Export
	if err := json.Unmarshal(b, &exp); err != nil {
		return Export{}, err
	}
	return exp, nil
}

// VerifyExport recomputes the trace hash from an export's fields.
func VerifyExport(exp Export) error {
	ts, err := domain.ParseRFC3339UTC(exp.Timestamp, "timestamp")
	if err != nil {
		return err
	}
	recomputed := ComputeHash(Trace{
		Timestamp:       ts,
		IntentHash:      exp.IntentHash,
		PolicyHash:      exp.PolicyHash,
		ApprovalID:      exp.ApprovalID,
		TokenHash:       exp.TokenHash,
		ConnectorID:     exp.ConnectorID,
		CertificateHash: exp.CertificateHash,
		RiskTier:        exp.RiskTier,
		EnclaveBacked:   exp.EnclaveBacked,
		DurationMs:      exp.DurationMs,
		AllGatesPassed:  exp.AllGatesPassed,
	})
	if recomputed != exp.TraceHash {
		return fmt.Errorf("trace_hash mismatch: stored %s, recomputed %s", exp.TraceHash, recomputed)
	}
	return nil
}
