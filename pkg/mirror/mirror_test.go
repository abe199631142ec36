package mirror

import (
	"errors"
	"testing"

	"gatekernel/pkg/domain"
	"gatekernel/pkg/evidence"
)

func localEntries(t *testing.T, n int) []evidence.Entry {
	t.Helper()
	c := evidence.NewChain()
	for i := 0; i < n; i++ {
		if _, err := c.Append(evidence.TypeProposalCreated, "prop_x", map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	return c.Entries()
}

func TestCompareIdenticalChains(t *testing.T) {
	local := localEntries(t, 4)
	report := Compare(local, local)
	if report.Diverged {
		t.Fatalf("identical chains must not diverge: %+v", report)
	}
	if report.Err() != nil {
		t.Fatal("clean report must produce no error")
	}
}

func TestCompareLaggingMirrorIsNotDivergence(t *testing.T) {
	local := localEntries(t, 5) // genesis plus five appended
	report := Compare(local, local[:2])
	if report.Diverged {
		t.Fatal("a shorter mirror is lag, not divergence")
	}
	if report.MirrorEntries != 2 || report.LocalEntries != 6 {
		t.Fatalf("unexpected counts %+v", report)
	}
}

func TestCompareHashMismatchDiverges(t *testing.T) {
	local := localEntries(t, 5)
	mirrored := make([]evidence.Entry, len(local))
	copy(mirrored, local)
	mirrored[3].EntryHash = "0000"

	report := Compare(local, mirrored)
	if !report.Diverged || report.FirstDivergent != 3 {
		t.Fatalf("expected divergence at index 3, got %+v", report)
	}
	var diverged *domain.MirrorDivergenceError
	if err := report.Err(); !errors.As(err, &diverged) || diverged.Index != 3 {
		t.Fatalf("expected MirrorDivergenceError at 3, got %v", err)
	}
}

func TestCompareLongerMirrorDiverges(t *testing.T) {
	local := localEntries(t, 3)
	extra := localEntries(t, 4)
	mirrored := append([]evidence.Entry{}, local...)
	mirrored = append(mirrored, extra[len(extra)-1])

	report := Compare(local, mirrored)
	if !report.Diverged || report.FirstDivergent != len(local) {
		t.Fatalf("a mirror holding entries the local chain lacks diverges, got %+v", report)
	}
}
