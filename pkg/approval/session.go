// Package approval is the stateful human-in-the-loop workflow. Exactly
// one session exists per proposal; a session reaches exactly one
// terminal decision, and destructive writes additionally need a fresh
// second confirmation at the moment of execution.
package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekernel/pkg/domain"
	"gatekernel/pkg/proposal"
)

type SessionDecision string

const (
	DecisionPending  SessionDecision = "pending"
	DecisionApproved SessionDecision = "approved"
	DecisionDenied   SessionDecision = "denied"
	DecisionExpired  SessionDecision = "expired"
)

func (d SessionDecision) Terminal() bool { return d != DecisionPending }

type Session struct {
	ID                          string                `json:"id"`
	Proposal                    proposal.ProposalPack `json:"proposal"`
	Decision                    SessionDecision       `json:"decision"`
	CreatedAt                   time.Time             `json:"created_at"`
	ExpiresAt                   time.Time             `json:"expires_at"`
	DecidedAt                   *time.Time            `json:"decided_at,omitempty"`
	DecidedBy                   string                `json:"decided_by,omitempty"`
	SecondConfirmationGrantedAt *time.Time            `json:"second_confirmation_granted_at,omitempty"`
}

// EnabledCheck answers "is this action still enabled" at second-
// confirmation time. Wired to the policy evaluator by the kernel.
type EnabledCheck func(capability domain.Capability) bool

// Manager serializes all session mutation behind one mutex.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	byProposal map[string]string
	expiry     time.Duration
	enabled    EnabledCheck
	now        func() time.Time
}

func NewManager(expiry time.Duration, enabled EnabledCheck) (*Manager, error) {
	if expiry < domain.SessionExpiryFloor {
		return nil, fmt.Errorf("session expiry %s is below the %s floor", expiry, domain.SessionExpiryFloor)
	}
	if enabled == nil {
		enabled = func(domain.Capability) bool { return false }
	}
	return &Manager{
		sessions:   map[string]*Session{},
		byProposal: map[string]string{},
		expiry:     expiry,
		enabled:    enabled,
		now:        time.Now,
	}, nil
}

// SetClock swaps the wall clock; freshness tests depend on it.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Open creates the one session for a proposal. A second Open for the
// same proposal is refused: sessions are never reused or duplicated.
func (m *Manager) Open(pack proposal.ProposalPack) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byProposal[pack.ProposalID]; ok {
		return Session{}, fmt.Errorf("proposal %s already has session %s", pack.ProposalID, existing)
	}
	now := m.now().UTC()
	s := &Session{
		ID:        "aps_" + uuid.NewString(),
		Proposal:  pack,
		Decision:  DecisionPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.expiry),
	}
	m.sessions[s.ID] = s
	m.byProposal[pack.ProposalID] = s.ID
	return *s, nil
}

func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	m.expireLocked(s)
	return *s, true
}

// expireLocked applies the auto-expiry wall clock to a pending session.
func (m *Manager) expireLocked(s *Session) {
	if s.Decision == DecisionPending && m.now().After(s.ExpiresAt) {
		s.Decision = DecisionExpired
		at := m.now().UTC()
		s.DecidedAt = &at
	}
}

// RecordDecision is the only decision mutator and is idempotent-once: a
// second call on a terminal session returns the original decision with
// no error, so a double-submitted approval cannot corrupt state.
func (m *Manager) RecordDecision(sessionID string, decision SessionDecision, decidedBy string) (SessionDecision, error) {
	if decision != DecisionApproved && decision != DecisionDenied {
		return "", fmt.Errorf("decision must be approved or denied, got %q", decision)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("unknown session %s", sessionID)
	}
	m.expireLocked(s)
	if s.Decision.Terminal() {
		return s.Decision, nil
	}
	s.Decision = decision
	at := m.now().UTC()
	s.DecidedAt = &at
	s.DecidedBy = decidedBy
	return s.Decision, nil
}

// GrantSecondConfirmation arms the two-key window. Valid only when the
// primary decision is approved and the action is still enabled; any
// ordering violation is a distinguishable error, never a silent allow.
func (m *Manager) GrantSecondConfirmation(sessionID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown session %s", sessionID)
	}
	m.expireLocked(s)
	if !s.Proposal.RequiresSecondKey {
		return time.Time{}, &domain.ConfirmationOutOfOrderError{
			Reason: fmt.Sprintf("session %s does not require two-key confirmation", sessionID),
		}
	}
	if s.Decision != DecisionApproved {
		return time.Time{}, &domain.ConfirmationOutOfOrderError{
			Reason: fmt.Sprintf("second confirmation requires an approved session, decision is %q", s.Decision),
		}
	}
	if !m.enabled(s.Proposal.Capability) {
		return time.Time{}, &domain.ConfirmationOutOfOrderError{
			Reason: fmt.Sprintf("capability %q is no longer enabled", s.Proposal.Capability),
		}
	}
	at := m.now().UTC()
	s.SecondConfirmationGrantedAt = &at
	return at, nil
}

// UseSecondConfirmation consumes the grant at the moment of execution.
// Freshness is measured against the wall clock here, never against a
// value cached earlier in the call chain. A stale grant is cleared and
// must be re-granted (fail closed on staleness).
func (m *Manager) UseSecondConfirmation(sessionID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown session %s", sessionID)
	}
	if s.Decision != DecisionApproved {
		return time.Time{}, &domain.ConfirmationOutOfOrderError{
			Reason: fmt.Sprintf("execution requires an approved session, decision is %q", s.Decision),
		}
	}
	if s.SecondConfirmationGrantedAt == nil {
		return time.Time{}, &domain.ConfirmationOutOfOrderError{
			Reason: "second confirmation was never granted",
		}
	}
	age := m.now().Sub(*s.SecondConfirmationGrantedAt)
	if age > domain.ConfirmationFreshness {
		s.SecondConfirmationGrantedAt = nil
		return time.Time{}, &domain.ConfirmationExpiredError{AgeSeconds: age.Seconds()}
	}
	granted := *s.SecondConfirmationGrantedAt
	s.SecondConfirmationGrantedAt = nil
	return granted, nil
}

// Sessions returns a snapshot for the dashboard, applying expiry first.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		m.expireLocked(s)
		out = append(out, *s)
	}
	return out
}
