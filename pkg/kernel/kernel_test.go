package kernel

import (
	"context"
	"errors"
	"testing"
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

type fakeExecutor struct{ calls int }

func (e *fakeExecutor) Execute(_ context.Context, pack proposal.ProposalPack, confirmedAt time.Time) (trace.Certificate, error) {
	e.calls++
	packHash, _, err := canonhash.CanonicalSHA256(pack)
	if err != nil {
		return trace.Certificate{}, err
	}
	return trace.Certificate{
		CertificateHash: canonhash.JoinHash(packHash, confirmedAt.UTC().Format(time.RFC3339Nano)),
		RiskTier:        pack.RiskTier,
		EnclaveBacked:   true,
	}, nil
}

type harness struct {
	k        *Kernel
	executor *fakeExecutor
	registry *trust.Registry
	sessions *approval.Manager
	chain    *evidence.Chain
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)}
	now := func() time.Time { return h.clock }

	registry, err := trust.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := registry.RegisterDevice("fp-test", "test host"); err != nil {
		t.Fatal(err)
	}

	policies := policy.NewStore(&policy.OperatorPolicy{
		Enabled: true,
		Capabilities: map[domain.Capability]bool{
			domain.CapCalendarWrite: true,
			domain.CapEmailCompose:  true,
			domain.CapNetworkEgress: true,
		},
	})
	sessions, err := approval.NewManager(15*time.Minute, func(c domain.Capability) bool {
		return policy.Decide(c, policies.Active(), 0).Allowed
	})
	if err != nil {
		t.Fatal(err)
	}
	sessions.SetClock(now)

	proposer, err := proposal.NewBuilderWithClock(domain.DefaultBreakpoints, now)
	if err != nil {
		t.Fatal(err)
	}
	chain := evidence.NewChain(evidence.WithClock(now))
	executor := &fakeExecutor{}

	k, err := New(Deps{
		Chain:    chain,
		Registry: registry,
		Nonces:   trust.NewNonceStoreWithClock(now),
		Policies: policies,
		Sessions: sessions,
		Proposer: proposer,
		Traces:   trace.NewBuilder(),
		Executor: executor,
		Gate: agentloop.NewAllowlistGate([]string{"connector.search", "connector.fetch"},
			func(_ context.Context, req agentloop.ToolRequest) (agentloop.ToolResponse, error) {
				return agentloop.ToolResponse{ConnectorID: req.ConnectorID, Body: "stub"}, nil
			}),
		Budgets: agentloop.Budgets{MaxPasses: 4, MaxToolCalls: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	k.SetClock(now)

	h.k = k
	h.executor = executor
	h.registry = registry
	h.sessions = sessions
	h.chain = chain
	return h
}

func criticalCandidate() proposal.CandidateAction {
	return proposal.CandidateAction{
		Intent:              "send signed payout request",
		Capability:          domain.CapNetworkEgress,
		Reversibility:       domain.Irreversible,
		TouchedCapabilities: []domain.Capability{domain.CapCredentialStore},
		UntrustedInputCount: 4,
	}
}

func TestCriticalExecutionNeedsBothKeys(t *testing.T) {
	h := newHarness(t)
	pack, session, err := h.k.Propose(criticalCandidate(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if pack.RiskTier != domain.TierCritical || !pack.RequiresSecondKey {
		t.Fatalf("expected critical two-key pack, got %s", pack.RiskTier)
	}

	// Approved but never second-confirmed: the executor must stay
	// unreached and the error must be out-of-order.
	if _, err := h.k.RecordDecision(session.ID, approval.DecisionApproved, "operator-1"); err != nil {
		t.Fatal(err)
	}
	_, err = h.k.Execute(context.Background(), session.ID)
	var outOfOrder *domain.ConfirmationOutOfOrderError
	if !errors.As(err, &outOfOrder) {
		t.Fatalf("expected ConfirmationOutOfOrder, got %v", err)
	}
	if h.executor.calls != 0 {
		t.Fatal("executor must not run without the second key")
	}

	// With a fresh second confirmation the execution traces.
	if _, err := h.sessions.GrantSecondConfirmation(session.ID); err != nil {
		t.Fatal(err)
	}
	tr, err := h.k.Execute(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if h.executor.calls != 1 {
		t.Fatalf("expected exactly one execution, got %d", h.executor.calls)
	}
	if tr.TraceHash != trace.ComputeHash(tr) {
		t.Fatal("trace hash must recompute")
	}
	if tr.RiskTier != domain.TierCritical || !tr.AllGatesPassed {
		t.Fatalf("unexpected trace %+v", tr)
	}

	// A second execution attempt for the same session is rejected.
	if _, err := h.k.Execute(context.Background(), session.ID); err == nil {
		t.Fatal("expected second execution attempt to be rejected")
	}
	if h.executor.calls != 1 {
		t.Fatal("rejected attempt must not reach the executor")
	}
}

func TestStaleSecondConfirmationFailsClosed(t *testing.T) {
	h := newHarness(t)
	_, session, err := h.k.Propose(criticalCandidate(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.k.RecordDecision(session.ID, approval.DecisionApproved, "operator-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sessions.GrantSecondConfirmation(session.ID); err != nil {
		t.Fatal(err)
	}
	h.clock = h.clock.Add(61 * time.Second)

	_, err = h.k.Execute(context.Background(), session.ID)
	var expired *domain.ConfirmationExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected ConfirmationExpired, got %v", err)
	}
	if h.executor.calls != 0 {
		t.Fatal("stale confirmation must not reach the executor")
	}
}

func TestLowTierExecutesWithSingleApproval(t *testing.T) {
	h := newHarness(t)
	_, session, err := h.k.Propose(proposal.CandidateAction{
		Intent:        "add reminder",
		Capability:    domain.CapEmailCompose,
		Reversibility: domain.Reversible,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.k.RecordDecision(session.ID, approval.DecisionApproved, "operator-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.k.Execute(context.Background(), session.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report := h.chain.VerifyChainIntegrity(); !report.OverallValid {
		t.Fatalf("chain must verify after the pipeline, violations %v", report.Violations)
	}
	// proposal_created, decision_recorded, action_executed, trace_emitted.
	if h.chain.Len() != 5 {
		t.Fatalf("expected 5 chain entries including genesis, got %d", h.chain.Len())
	}
}

func TestDeniedDecisionBlocksAndLogs(t *testing.T) {
	h := newHarness(t)
	before := h.chain.Len()
	_, _, err := h.k.Propose(proposal.CandidateAction{
		Intent:        "store api key",
		Capability:    domain.CapCredentialStore,
		Reversibility: domain.Reversible,
	}, nil)
	var denied *domain.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PolicyDenied, got %v", err)
	}
	if h.chain.Len() != before+1 {
		t.Fatal("denial must be appended to the chain")
	}
	if h.k.Findings().PolicyDenials != 1 {
		t.Fatal("findings must count the denial")
	}
}

func TestDeviceDistrustEntersLockdown(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.SetTrustState("fp-test", trust.StateSuspended); err != nil {
		t.Fatal(err)
	}
	_, err := h.k.Gate(domain.CapCalendarWrite)
	var notTrusted *domain.DeviceNotTrustedError
	if !errors.As(err, &notTrusted) {
		t.Fatalf("expected DeviceNotTrusted, got %v", err)
	}
	if posture, _ := h.k.Posture(); posture != PostureLockdown {
		t.Fatalf("expected lockdown, got %s", posture)
	}

	// Every further gated action refuses with a lockdown error, even
	// after the device is restored, until recovery runs.
	if err := h.registry.SetTrustState("fp-test", trust.StateTrusted); err != nil {
		t.Fatal(err)
	}
	_, err = h.k.Gate(domain.CapCalendarWrite)
	var locked *domain.LockdownError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockdownError, got %v", err)
	}

	if err := h.k.Recover("operator-1"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if _, err := h.k.Gate(domain.CapCalendarWrite); err != nil {
		t.Fatalf("expected gate to pass after recovery: %v", err)
	}
}

func TestDailyCapCountsExecutedActions(t *testing.T) {
	h := newHarness(t)
	max := 1
	h.k.deps.Policies.Replace(&policy.OperatorPolicy{
		Enabled:          true,
		Capabilities:     map[domain.Capability]bool{domain.CapEmailCompose: true},
		MaxActionsPerDay: &max,
	})

	_, session, err := h.k.Propose(proposal.CandidateAction{
		Intent:        "first email",
		Capability:    domain.CapEmailCompose,
		Reversibility: domain.Reversible,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.k.RecordDecision(session.ID, approval.DecisionApproved, "operator-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.k.Execute(context.Background(), session.ID); err != nil {
		t.Fatal(err)
	}

	_, _, err = h.k.Propose(proposal.CandidateAction{
		Intent:        "second email",
		Capability:    domain.CapEmailCompose,
		Reversibility: domain.Reversible,
	}, nil)
	var denied *domain.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected daily cap denial, got %v", err)
	}
}

func TestStartRunProducesProposableArtifact(t *testing.T) {
	h := newHarness(t)
	planner := plannerFunc(func(_ context.Context, pass int, calls []agentloop.ToolCallRecord) (agentloop.Step, error) {
		if pass == 1 {
			return agentloop.Step{Kind: agentloop.StepSearch, Query: "meeting times"}, nil
		}
		refs := []string{}
		for _, c := range calls {
			refs = append(refs, c.ConnectorID)
		}
		return agentloop.Step{Kind: agentloop.StepSynthesize, Artifact: &agentloop.Artifact{
			Title: "scheduling summary", Body: "found a slot", SourceRefs: refs,
		}}, nil
	})
	runner, err := h.k.StartRun(planner)
	if err != nil {
		t.Fatal(err)
	}
	res, err := runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	citations := []proposal.EvidenceCitation{}
	for _, c := range res.ToolCalls {
		citations = append(citations, proposal.EvidenceCitation{
			Source: proposal.SourceConnector, RefID: c.ConnectorID,
		})
	}
	pack, _, err := h.k.Propose(proposal.CandidateAction{
		Intent:                  res.Artifact.Title,
		Capability:              domain.CapCalendarWrite,
		Reversibility:           domain.Reversible,
		ClaimsExternalGrounding: true,
	}, citations)
	if err != nil {
		t.Fatalf("Propose from artifact: %v", err)
	}
	if len(pack.EvidenceCitations) == 0 {
		t.Fatal("grounded proposal carries its citations")
	}
}

type plannerFunc func(ctx context.Context, pass int, calls []agentloop.ToolCallRecord) (agentloop.Step, error)

func (f plannerFunc) PlanNextStep(ctx context.Context, pass int, calls []agentloop.ToolCallRecord) (agentloop.Step, error) {
	return f(ctx, pass, calls)
}
