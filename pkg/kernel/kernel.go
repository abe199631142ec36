// Package kernel is the dependency-injection root of the governance
// pipeline. It wires the evidence chain, trust registry, policy store,
// approval sessions, bounded loop, and trace builder into one governed
// path: propose, approve, execute, trace. No package-level singletons;
// tests construct fresh kernels.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gatekernel/pkg/agentloop"
	"gatekernel/pkg/approval"
	"gatekernel/pkg/canonhash"
	"gatekernel/pkg/domain"
	"gatekernel/pkg/evidence"
	"gatekernel/pkg/policy"
	"gatekernel/pkg/proposal"
	"gatekernel/pkg/trace"
	"gatekernel/pkg/trust"
)

type Posture string

const (
	PostureOK       Posture = "ok"
	PostureLockdown Posture = "lockdown"
)

// Executor performs the approved effect and returns its certificate.
// External collaborator: calendar writer, message sender, and so on.
type Executor interface {
	Execute(ctx context.Context, pack proposal.ProposalPack, confirmedAt time.Time) (trace.Certificate, error)
}

type Deps struct {
	Chain    *evidence.Chain
	Registry *trust.Registry
	Nonces   *trust.NonceStore
	Policies *policy.Store
	Sessions *approval.Manager
	Proposer *proposal.Builder
	Traces   *trace.Builder
	Executor Executor
	Gate     agentloop.NetworkGate
	Budgets  agentloop.Budgets
}

type Kernel struct {
	deps Deps
	now  func() time.Time

	mu            sync.Mutex
	posture       Posture
	postureReason string
	denials       atomic.Int64

	runsMu sync.Mutex
	runs   map[string]*agentloop.Runner

	events chan Event
}

// Event is the state-change notification feed the UI layer consumes
// instead of observing kernel internals.
type Event struct {
	Kind      string    `json:"kind"`
	SubjectID string    `json:"subject_id"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}

func New(deps Deps) (*Kernel, error) {
	if deps.Chain == nil || deps.Registry == nil || deps.Policies == nil ||
		deps.Sessions == nil || deps.Proposer == nil || deps.Traces == nil {
		return nil, errors.New("kernel requires chain, registry, policies, sessions, proposer, and traces")
	}
	return &Kernel{
		deps:    deps,
		now:     time.Now,
		posture: PostureOK,
		runs:    map[string]*agentloop.Runner{},
		events:  make(chan Event, 64),
	}, nil
}

// SetClock swaps the wall clock for tests.
func (k *Kernel) SetClock(now func() time.Time) { k.now = now }

// Events is the notification feed. Emission never blocks: a full buffer
// drops the event, the chain remains the durable record.
func (k *Kernel) Events() <-chan Event { return k.events }

func (k *Kernel) emit(kind, subjectID, detail string) {
	select {
	case k.events <- Event{Kind: kind, SubjectID: subjectID, Detail: detail, At: k.now().UTC()}:
	default:
	}
}

func (k *Kernel) Posture() (Posture, string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.posture, k.postureReason
}

func (k *Kernel) enterLockdown(reason string) {
	k.mu.Lock()
	already := k.posture == PostureLockdown
	k.posture = PostureLockdown
	k.postureReason = reason
	k.mu.Unlock()
	if !already {
		_, _ = k.deps.Chain.Append(evidence.TypePostureChange, "kernel", map[string]string{
			"posture": string(PostureLockdown), "reason": reason,
		})
		k.emit("posture_change", "kernel", reason)
	}
}

// Recover exits lockdown after the collaborator-run recovery flow
// (biometric gate, external) confirms. It refuses while the chain still
// fails verification.
func (k *Kernel) Recover(confirmedBy string) error {
	report := k.deps.Chain.VerifyChainIntegrity()
	if err := report.FirstViolation(); err != nil {
		return err
	}
	k.mu.Lock()
	k.posture = PostureOK
	k.postureReason = ""
	k.mu.Unlock()
	_, err := k.deps.Chain.Append(evidence.TypePostureChange, "kernel", map[string]string{
		"posture": string(PostureOK), "recovered_by": confirmedBy,
	})
	k.emit("posture_change", "kernel", "recovered")
	return err
}

// Gate is the fail-closed capability check every gated action passes
// first: posture, device trust, then operator policy with usage derived
// from the evidence chain.
func (k *Kernel) Gate(capability domain.Capability) (domain.Decision, error) {
	k.mu.Lock()
	locked := k.posture == PostureLockdown
	reason := k.postureReason
	k.mu.Unlock()
	if locked {
		return domain.Decision{Allowed: false, Reason: "kernel is in lockdown"},
			&domain.LockdownError{Reason: reason}
	}
	if !k.deps.Registry.IsCurrentDeviceTrusted() {
		fp := k.deps.Registry.CurrentFingerprint()
		k.enterLockdown(fmt.Sprintf("device %s failed trust check", fp))
		return domain.Decision{Allowed: false, Reason: "current device is not trusted"},
			&domain.DeviceNotTrustedError{Fingerprint: fp}
	}
	d := policy.Decide(capability, k.deps.Policies.Active(), k.usageToday())
	if !d.Allowed {
		k.denials.Add(1)
		_, _ = k.deps.Chain.Append(evidence.TypePolicyDenial, string(capability), d)
		return d, &domain.PolicyDeniedError{Reason: d.Reason}
	}
	return d, nil
}

func (k *Kernel) usageToday() int {
	now := k.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return k.deps.Chain.CountSince(evidence.TypeActionExecuted, midnight)
}

// VerifyIntegrity re-checks the chain and enters lockdown on the first
// violation. Divergence is never repaired here.
func (k *Kernel) VerifyIntegrity() (evidence.IntegrityReport, error) {
	report := k.deps.Chain.VerifyChainIntegrity()
	if err := report.FirstViolation(); err != nil {
		k.enterLockdown(err.Error())
		return report, err
	}
	return report, nil
}

// StartRun launches one bounded agent loop run. The loop proposes; it
// cannot act.
func (k *Kernel) StartRun(planner agentloop.Planner) (*agentloop.Runner, error) {
	if _, err := k.Gate(domain.CapNetworkEgress); err != nil {
		return nil, err
	}
	runner, err := agentloop.NewRunner(planner, k.deps.Gate, k.deps.Budgets)
	if err != nil {
		return nil, err
	}
	k.runsMu.Lock()
	k.runs[runner.RunID()] = runner
	k.runsMu.Unlock()
	return runner, nil
}

func (k *Kernel) Run(runID string) (*agentloop.Runner, bool) {
	k.runsMu.Lock()
	defer k.runsMu.Unlock()
	r, ok := k.runs[runID]
	return r, ok
}

// Propose gates the candidate, builds the pack, opens its one approval
// session, and records both on the chain.
func (k *Kernel) Propose(c proposal.CandidateAction, citations []proposal.EvidenceCitation) (proposal.ProposalPack, approval.Session, error) {
	if _, err := k.Gate(c.Capability); err != nil {
		return proposal.ProposalPack{}, approval.Session{}, err
	}
	pack, err := k.deps.Proposer.Build(c, citations)
	if err != nil {
		return proposal.ProposalPack{}, approval.Session{}, err
	}
	session, err := k.deps.Sessions.Open(pack)
	if err != nil {
		return proposal.ProposalPack{}, approval.Session{}, err
	}
	if _, err := k.deps.Chain.Append(evidence.TypeProposalCreated, pack.ProposalID, pack); err != nil {
		return proposal.ProposalPack{}, approval.Session{}, err
	}
	k.emit("proposal_created", pack.ProposalID, pack.HumanSummary)
	return pack, session, nil
}

// RecordDecision forwards the human decision and logs it.
func (k *Kernel) RecordDecision(sessionID string, decision approval.SessionDecision, decidedBy string) (approval.SessionDecision, error) {
	final, err := k.deps.Sessions.RecordDecision(sessionID, decision, decidedBy)
	if err != nil {
		return "", err
	}
	_, err = k.deps.Chain.Append(evidence.TypeDecisionRecorded, sessionID, map[string]string{
		"decision": string(final), "decided_by": decidedBy,
	})
	k.emit("decision_recorded", sessionID, string(final))
	return final, err
}

// Execute runs the approved effect through the external executor and
// binds the whole path into one trace. High and critical tiers must
// consume a fresh second confirmation at this moment; everything about
// the check is re-evaluated here, nothing is trusted from earlier in
// the call chain.
func (k *Kernel) Execute(ctx context.Context, sessionID string) (trace.Trace, error) {
	if k.deps.Executor == nil {
		return trace.Trace{}, errors.New("no executor wired")
	}
	session, ok := k.deps.Sessions.Get(sessionID)
	if !ok {
		return trace.Trace{}, fmt.Errorf("unknown session %s", sessionID)
	}
	if _, err := k.Gate(session.Proposal.Capability); err != nil {
		return trace.Trace{}, err
	}
	if session.Decision != approval.DecisionApproved {
		return trace.Trace{}, &domain.ConfirmationOutOfOrderError{
			Reason: fmt.Sprintf("execution requires an approved session, decision is %q", session.Decision),
		}
	}

	confirmedAt := k.now().UTC()
	secondKeyUsed := false
	if session.Proposal.RequiresSecondKey {
		granted, err := k.deps.Sessions.UseSecondConfirmation(sessionID)
		if err != nil {
			return trace.Trace{}, err
		}
		confirmedAt = granted
		secondKeyUsed = true
	}

	// One execution nonce per session: a replayed execution attempt
	// fails closed here before any signature is produced.
	if k.deps.Nonces != nil {
		if !k.deps.Nonces.Consume("exec-"+sessionID, confirmedAt.Add(domain.ConfirmationFreshness)) {
			return trace.Trace{}, &domain.ConfirmationOutOfOrderError{
				Reason: fmt.Sprintf("execution nonce for session %s already consumed or expired", sessionID),
			}
		}
	}

	policyHash, _, err := canonhash.CanonicalSHA256(k.deps.Policies.Active())
	if err != nil {
		return trace.Trace{}, err
	}
	token, err := k.deps.Registry.Sign(map[string]string{
		"session_id": sessionID, "intent_hash": session.Proposal.IntentHash,
	}, confirmedAt, "execution-token")
	if err != nil {
		return trace.Trace{}, err
	}
	tokenHash, _, err := canonhash.CanonicalSHA256(token)
	if err != nil {
		return trace.Trace{}, err
	}

	start := k.now()
	cert, err := k.deps.Executor.Execute(ctx, session.Proposal, confirmedAt)
	if err != nil {
		return trace.Trace{}, fmt.Errorf("executor: %w", err)
	}

	t, err := k.deps.Traces.Build(trace.BuildInput{
		Timestamp:       k.now(),
		IntentHash:      session.Proposal.IntentHash,
		PolicyHash:      policyHash,
		ApprovalID:      sessionID,
		ApprovalState:   string(approval.DecisionApproved),
		SecondKeyNeeded: session.Proposal.RequiresSecondKey,
		SecondKeyUsed:   secondKeyUsed,
		TokenHash:       tokenHash,
		ConnectorID:     connectorFor(session.Proposal.Capability),
		Certificate:     cert,
		Duration:        k.now().Sub(start),
	})
	if err != nil {
		return trace.Trace{}, err
	}

	if _, err := k.deps.Chain.Append(evidence.TypeActionExecuted, sessionID, map[string]string{
		"proposal_id": session.Proposal.ProposalID, "certificate_hash": cert.CertificateHash,
	}); err != nil {
		return trace.Trace{}, err
	}
	if _, err := k.deps.Chain.Append(evidence.TypeTraceEmitted, t.TraceID, map[string]string{
		"trace_hash": t.TraceHash, "approval_id": sessionID,
	}); err != nil {
		return trace.Trace{}, err
	}
	k.emit("trace_emitted", t.TraceID, t.TraceHash)
	return t, nil
}

func connectorFor(c domain.Capability) string {
	switch c {
	case domain.CapCalendarWrite, domain.CapReminderWrite:
		return "connector.eventkit"
	case domain.CapEmailCompose, domain.CapMessageSend:
		return "connector.composer"
	case domain.CapWebhookDeliver:
		return "connector.webhook"
	case domain.CapNetworkEgress:
		return "connector.fetch"
	default:
		return ""
	}
}
