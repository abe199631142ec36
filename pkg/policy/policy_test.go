package policy

import (
	"strings"
	"testing"

	"gatekernel/pkg/domain"
)

func intPtr(n int) *int { return &n }

func TestNilPolicyFailsClosed(t *testing.T) {
	d := Decide(domain.CapCalendarWrite, nil, 0)
	if d.Allowed {
		t.Fatal("nil policy must deny")
	}
	if d.Reason == "" {
		t.Fatal("every decision carries a reason")
	}
}

func TestDisabledPolicyAllows(t *testing.T) {
	p := &OperatorPolicy{Enabled: false}
	d := Decide(domain.CapNetworkEgress, p, 0)
	if !d.Allowed {
		t.Fatalf("disabled policy is an explicit operator choice to disengage, got deny: %s", d.Reason)
	}
}

func TestDailyCapDeniesWithCounts(t *testing.T) {
	p := &OperatorPolicy{
		Enabled:          true,
		Capabilities:     map[domain.Capability]bool{domain.CapEmailCompose: true},
		MaxActionsPerDay: intPtr(5),
	}
	d := Decide(domain.CapEmailCompose, p, 5)
	if d.Allowed {
		t.Fatal("met cap must deny")
	}
	if !strings.Contains(d.Reason, "5/5") {
		t.Fatalf("reason must include used/max counts, got %q", d.Reason)
	}
	if d := Decide(domain.CapEmailCompose, p, 4); !d.Allowed {
		t.Fatalf("under cap must allow, got %q", d.Reason)
	}
}

func TestUnrecognizedCapabilityFailsClosed(t *testing.T) {
	p := &OperatorPolicy{
		Enabled:      true,
		Capabilities: map[domain.Capability]bool{"filesystem.format": true},
	}
	if d := Decide("filesystem.format", p, 0); d.Allowed {
		t.Fatal("unrecognized capability must deny even when flagged on")
	}
}

func TestCapabilityFlagDecides(t *testing.T) {
	p := &OperatorPolicy{
		Enabled:      true,
		Capabilities: map[domain.Capability]bool{domain.CapCalendarWrite: true},
	}
	if d := Decide(domain.CapCalendarWrite, p, 0); !d.Allowed {
		t.Fatalf("granted capability must allow, got %q", d.Reason)
	}
	if d := Decide(domain.CapCredentialStore, p, 0); d.Allowed {
		t.Fatal("ungranted capability must deny")
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore(&OperatorPolicy{
		Enabled:      true,
		Capabilities: map[domain.Capability]bool{domain.CapCalendarWrite: true},
	})
	cp := s.Active()
	cp.Capabilities[domain.CapCredentialStore] = true

	if s.Active().Capabilities[domain.CapCredentialStore] {
		t.Fatal("mutating a snapshot must not reach the active policy")
	}
}
