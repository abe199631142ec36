// Package evidence implements the append-only, hash-linked audit chain.
// The chain is the source of truth for "did X happen": every collaborator
// that produces an artifact appends a summary entry here, and nothing is
// ever mutated or deleted.
package evidence

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekernel/pkg/canonhash"
	"gatekernel/pkg/domain"
)

const genesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry types appended by the kernel. Collaborators may append their own
// types; the chain does not interpret them.
const (
	TypeGenesis          = "genesis"
	TypeProposalCreated  = "proposal_created"
	TypeDecisionRecorded = "decision_recorded"
	TypeActionExecuted   = "action_executed"
	TypeTraceEmitted     = "trace_emitted"
	TypePolicyDenial     = "policy_denial"
	TypePostureChange    = "posture_change"
)

type Entry struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Type        string    `json:"type"`
	SubjectID   string    `json:"subject_id"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash"`
	EntryHash   string    `json:"entry_hash"`
}

// Sink receives each entry as it is linked. A sink error prevents the
// entry from being linked at all: the chain stays at its last valid
// length and the caller may retry the same append.
type Sink interface {
	WriteEntry(Entry) error
}

// Chain is a mutex-serialized append-only hash list. Concurrent appenders
// are serialized so prev_hash of entry n always equals entry_hash of
// entry n-1.
type Chain struct {
	mu      sync.Mutex
	entries []Entry
	sink    Sink
	now     func() time.Time
}

type Option func(*Chain)

func WithSink(s Sink) Option              { return func(c *Chain) { c.sink = s } }
func WithClock(f func() time.Time) Option { return func(c *Chain) { c.now = f } }

// NewChain creates a chain with its genesis entry already linked.
func NewChain(opts ...Option) *Chain {
	c := &Chain{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	genesis := Entry{
		ID:          "ev_" + uuid.NewString(),
		CreatedAt:   c.now().UTC(),
		Type:        TypeGenesis,
		SubjectID:   "chain",
		PayloadHash: canonhash.HashStringSHA256Hex("evidence chain initialized"),
		PrevHash:    genesisPrevHash,
	}
	genesis.EntryHash = entryHash(genesis)
	c.entries = []Entry{genesis}
	return c
}

func entryHash(e Entry) string {
	return canonhash.JoinHash(
		e.PrevHash,
		e.Type,
		e.SubjectID,
		e.PayloadHash,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
}

// Append hashes payload, links a new entry to the chain head, and returns
// it. It is the only mutator. On a sink failure nothing is linked and the
// error is returned; the caller may retry.
func (c *Chain) Append(entryType, subjectID string, payload any) (Entry, error) {
	payloadHash, _, err := canonhash.CanonicalSHA256(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("hash payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := Entry{
		ID:          "ev_" + uuid.NewString(),
		CreatedAt:   c.now().UTC(),
		Type:        entryType,
		SubjectID:   subjectID,
		PayloadHash: payloadHash,
		PrevHash:    c.entries[len(c.entries)-1].EntryHash,
	}
	e.EntryHash = entryHash(e)

	if c.sink != nil {
		if err := c.sink.WriteEntry(e); err != nil {
			return Entry{}, fmt.Errorf("persist entry: %w", err)
		}
	}
	c.entries = append(c.entries, e)
	return e, nil
}

type IntegrityReport struct {
	OverallValid bool  `json:"overall_valid"`
	TotalEntries int   `json:"total_entries"`
	Violations   []int `json:"violations"`
}

// VerifyChainIntegrity recomputes every hash from entry 0. Once the chain
// diverges at some index, every later entry is reported too: the running
// recomputed head no longer matches the stored linkage. Read-only.
func (c *Chain) VerifyChainIntegrity() IntegrityReport {
	c.mu.Lock()
	entries := make([]Entry, len(c.entries))
	copy(entries, c.entries)
	c.mu.Unlock()
	return VerifyEntries(entries)
}

// VerifyEntries is the pure verification walk, shared with the govctl
// verifier that operates on exported chains.
func VerifyEntries(entries []Entry) IntegrityReport {
	report := IntegrityReport{OverallValid: true, TotalEntries: len(entries), Violations: []int{}}
	prev := genesisPrevHash
	for i, e := range entries {
		recomputed := entryHash(Entry{
			PrevHash:    prev,
			Type:        e.Type,
			SubjectID:   e.SubjectID,
			PayloadHash: e.PayloadHash,
			CreatedAt:   e.CreatedAt,
		})
		if e.PrevHash != prev || e.EntryHash != recomputed {
			report.OverallValid = false
			report.Violations = append(report.Violations, i)
		}
		prev = recomputed
	}
	return report
}

// FirstViolation converts a failed report into the taxonomy error.
func (r IntegrityReport) FirstViolation() error {
	if r.OverallValid {
		return nil
	}
	return &domain.ChainIntegrityError{Index: r.Violations[0]}
}

// Entries returns a snapshot copy; callers cannot reach the linked slice.
func (c *Chain) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CountSince counts entries of a type created at or after cutoff. The
// policy evaluator's daily-usage ledger is derived from this: usage is
// always recomputed from the chain, never cached.
func (c *Chain) CountSince(entryType string, cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Type == entryType && !e.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n
}
