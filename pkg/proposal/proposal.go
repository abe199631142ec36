// Package proposal converts a candidate action into a typed, risk-scored
// ProposalPack. The model can only produce candidates; everything a human
// reviews flows through Build.
package proposal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatekernel/pkg/canonhash"
	"gatekernel/pkg/domain"
)

// CandidateAction describes what the agent wants done. It carries no
// authority: only the pack built from it can enter an approval session.
type CandidateAction struct {
	Intent                  string               `json:"intent"`
	Capability              domain.Capability    `json:"capability"`
	Reversibility           domain.Reversibility `json:"reversibility"`
	TouchedCapabilities     []domain.Capability  `json:"touched_capabilities,omitempty"`
	UntrustedInputCount     int                  `json:"untrusted_input_count"`
	ClaimsExternalGrounding bool                 `json:"claims_external_grounding"`
	PermissionManifest      []string             `json:"permission_manifest"`
}

// CitationSource is the closed set of things a citation may point at.
type CitationSource string

const (
	SourceToolCall  CitationSource = "tool_call"
	SourceConnector CitationSource = "connector"
)

type EvidenceCitation struct {
	Source  CitationSource `json:"source"`
	RefID   string         `json:"ref_id"`
	Excerpt string         `json:"excerpt,omitempty"`
}

type ProposalPack struct {
	ProposalID         string               `json:"proposal_id"`
	Intent             string               `json:"intent"`
	IntentHash         string               `json:"intent_hash"`
	Capability         domain.Capability    `json:"capability"`
	RiskScore          int                  `json:"risk_score"`
	RiskTier           domain.RiskTier      `json:"risk_tier"`
	Reversibility      domain.Reversibility `json:"reversibility"`
	RequiredApprovals  int                  `json:"required_approvals"`
	RequiresSecondKey  bool                 `json:"requires_second_key"`
	PermissionManifest []string             `json:"permission_manifest"`
	EvidenceCitations  []EvidenceCitation   `json:"evidence_citations"`
	HumanSummary       string               `json:"human_summary"`
	CreatedAt          time.Time            `json:"created_at"`
}

// Risk rule weights. Central constants: call sites never re-derive them.
const (
	weightIrreversible     = 40
	weightSensitiveDomain  = 15
	weightUntrustedInput   = 5
	untrustedInputScoreCap = 20
)

// Builder maps scores to tiers with the configured breakpoints.
type Builder struct {
	breakpoints domain.TierBreakpoints
	now         func() time.Time
}

func NewBuilder(bp domain.TierBreakpoints) (*Builder, error) {
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return &Builder{breakpoints: bp, now: time.Now}, nil
}

// NewBuilderWithClock exists for deterministic tests.
func NewBuilderWithClock(bp domain.TierBreakpoints, now func() time.Time) (*Builder, error) {
	b, err := NewBuilder(bp)
	if err != nil {
		return nil, err
	}
	b.now = now
	return b, nil
}

// Score applies the weighted rule set: irreversibility, trust-sensitive
// capabilities touched, and untrusted inputs feeding the action.
func Score(c CandidateAction) int {
	score := 0
	if c.Reversibility == domain.Irreversible {
		score += weightIrreversible
	}
	touched := append([]domain.Capability{c.Capability}, c.TouchedCapabilities...)
	seen := map[domain.Capability]bool{}
	for _, cap := range touched {
		if seen[cap] || !cap.TrustSensitive() {
			continue
		}
		seen[cap] = true
		score += weightSensitiveDomain
	}
	inputs := c.UntrustedInputCount * weightUntrustedInput
	if inputs > untrustedInputScoreCap {
		inputs = untrustedInputScoreCap
	}
	score += inputs
	if score > 100 {
		score = 100
	}
	return score
}

// Build produces an immutable ProposalPack. An action that claims
// external grounding with zero citations is rejected, and every citation
// must name a tool-call result or connector.
func (b *Builder) Build(c CandidateAction, citations []EvidenceCitation) (ProposalPack, error) {
	if strings.TrimSpace(c.Intent) == "" {
		return ProposalPack{}, errors.New("intent is required")
	}
	if !domain.KnownCapabilities[c.Capability] {
		return ProposalPack{}, fmt.Errorf("unrecognized capability %q", c.Capability)
	}
	if c.ClaimsExternalGrounding && len(citations) == 0 {
		return ProposalPack{}, errors.New("action claims external grounding but has zero evidence citations")
	}
	for i, cit := range citations {
		if cit.Source != SourceToolCall && cit.Source != SourceConnector {
			return ProposalPack{}, fmt.Errorf("citation %d: source must be tool_call or connector", i)
		}
		if strings.TrimSpace(cit.RefID) == "" {
			return ProposalPack{}, fmt.Errorf("citation %d: ref_id is required", i)
		}
	}

	score := Score(c)
	tier := b.breakpoints.TierForScore(score)
	intentHash, _, err := canonhash.CanonicalSHA256(c)
	if err != nil {
		return ProposalPack{}, err
	}

	pack := ProposalPack{
		ProposalID:         "prop_" + uuid.NewString(),
		Intent:             c.Intent,
		IntentHash:         intentHash,
		Capability:         c.Capability,
		RiskScore:          score,
		RiskTier:           tier,
		Reversibility:      c.Reversibility,
		RequiredApprovals:  1,
		RequiresSecondKey:  tier.RequiresSecondKey(),
		PermissionManifest: append([]string{}, c.PermissionManifest...),
		EvidenceCitations:  append([]EvidenceCitation{}, citations...),
		HumanSummary:       summarize(c, score, tier),
		CreatedAt:          b.now().UTC(),
	}
	return pack, nil
}

func summarize(c CandidateAction, score int, tier domain.RiskTier) string {
	rev := "reversible"
	if c.Reversibility == domain.Irreversible {
		rev = "irreversible"
	}
	return fmt.Sprintf("%s (%s, %s, risk %d/%s)", c.Intent, c.Capability, rev, score, tier)
}
