package approval

import (
	"errors"
	"testing"
	"time"

	"gatekernel/pkg/domain"
	"gatekernel/pkg/proposal"
)

func fixedPack(requiresSecondKey bool) proposal.ProposalPack {
	tier := domain.TierLow
	if requiresSecondKey {
		tier = domain.TierCritical
	}
	return proposal.ProposalPack{
		ProposalID:        "prop_fixed",
		Intent:            "test action",
		Capability:        domain.CapCalendarWrite,
		RiskTier:          tier,
		RequiredApprovals: 1,
		RequiresSecondKey: requiresSecondKey,
	}
}

func testManager(t *testing.T, enabled bool) (*Manager, *time.Time) {
	t.Helper()
	m, err := NewManager(15*time.Minute, func(domain.Capability) bool { return enabled })
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return clock })
	return m, &clock
}

func TestOneSessionPerProposal(t *testing.T) {
	m, _ := testManager(t, true)
	if _, err := m.Open(fixedPack(false)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(fixedPack(false)); err == nil {
		t.Fatal("second session for the same proposal must be refused")
	}
}

func TestRecordDecisionIdempotentOnce(t *testing.T) {
	m, _ := testManager(t, true)
	s, err := m.Open(fixedPack(false))
	if err != nil {
		t.Fatal(err)
	}
	first, err := m.RecordDecision(s.ID, DecisionApproved, "operator-1")
	if err != nil || first != DecisionApproved {
		t.Fatalf("expected approved, got %s err %v", first, err)
	}
	// Double submission returns the original decision, not an error.
	second, err := m.RecordDecision(s.ID, DecisionDenied, "operator-2")
	if err != nil {
		t.Fatalf("idempotent re-record must not error: %v", err)
	}
	if second != DecisionApproved {
		t.Fatalf("expected original decision approved, got %s", second)
	}
}

func TestSessionAutoExpires(t *testing.T) {
	m, clock := testManager(t, true)
	s, err := m.Open(fixedPack(false))
	if err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(16 * time.Minute)
	got, err := m.RecordDecision(s.ID, DecisionApproved, "operator-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != DecisionExpired {
		t.Fatalf("expected expired session to stay expired, got %s", got)
	}
}

func TestExpiryFloorEnforced(t *testing.T) {
	if _, err := NewManager(30*time.Second, nil); err == nil {
		t.Fatal("expiry below the floor must be refused")
	}
}

func TestSecondConfirmationOrdering(t *testing.T) {
	m, _ := testManager(t, true)
	s, err := m.Open(fixedPack(true))
	if err != nil {
		t.Fatal(err)
	}

	// Grant before primary approval is out of order.
	_, err = m.GrantSecondConfirmation(s.ID)
	var outOfOrder *domain.ConfirmationOutOfOrderError
	if !errors.As(err, &outOfOrder) {
		t.Fatalf("expected ConfirmationOutOfOrder, got %v", err)
	}

	if _, err := m.RecordDecision(s.ID, DecisionApproved, "operator-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GrantSecondConfirmation(s.ID); err != nil {
		t.Fatalf("grant after approval: %v", err)
	}
}

func TestSecondConfirmationOnLowTierIsOutOfOrder(t *testing.T) {
	m, _ := testManager(t, true)
	s, err := m.Open(fixedPack(false))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordDecision(s.ID, DecisionApproved, "operator-1"); err != nil {
		t.Fatal(err)
	}
	var outOfOrder *domain.ConfirmationOutOfOrderError
	if _, err := m.GrantSecondConfirmation(s.ID); !errors.As(err, &outOfOrder) {
		t.Fatalf("expected ConfirmationOutOfOrder for single-key session, got %v", err)
	}
}

func TestSecondConfirmationDisabledActionRefused(t *testing.T) {
	m, _ := testManager(t, false)
	s, err := m.Open(fixedPack(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordDecision(s.ID, DecisionApproved, "operator-1"); err != nil {
		t.Fatal(err)
	}
	var outOfOrder *domain.ConfirmationOutOfOrderError
	if _, err := m.GrantSecondConfirmation(s.ID); !errors.As(err, &outOfOrder) {
		t.Fatalf("expected refusal when the action is no longer enabled, got %v", err)
	}
}

func TestFreshnessWindowBoundary(t *testing.T) {
	m, clock := testManager(t, true)
	s, err := m.Open(fixedPack(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordDecision(s.ID, DecisionApproved, "operator-1"); err != nil {
		t.Fatal(err)
	}

	// Used at T+59s: fresh.
	if _, err := m.GrantSecondConfirmation(s.ID); err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(59 * time.Second)
	if _, err := m.UseSecondConfirmation(s.ID); err != nil {
		t.Fatalf("confirmation at T+59s must be fresh: %v", err)
	}

	// Used at T+61s: stale, fails closed, forces re-grant.
	if _, err := m.GrantSecondConfirmation(s.ID); err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(61 * time.Second)
	_, err = m.UseSecondConfirmation(s.ID)
	var expired *domain.ConfirmationExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected ConfirmationExpired at T+61s, got %v", err)
	}

	// The stale grant was cleared; use without re-grant is out of order.
	var outOfOrder *domain.ConfirmationOutOfOrderError
	if _, err := m.UseSecondConfirmation(s.ID); !errors.As(err, &outOfOrder) {
		t.Fatalf("expected ConfirmationOutOfOrder after cleared grant, got %v", err)
	}
}

func TestUseWithoutGrantIsOutOfOrder(t *testing.T) {
	m, _ := testManager(t, true)
	s, err := m.Open(fixedPack(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordDecision(s.ID, DecisionApproved, "operator-1"); err != nil {
		t.Fatal(err)
	}
	var outOfOrder *domain.ConfirmationOutOfOrderError
	if _, err := m.UseSecondConfirmation(s.ID); !errors.As(err, &outOfOrder) {
		t.Fatalf("expected ConfirmationOutOfOrder without grant, got %v", err)
	}
}
