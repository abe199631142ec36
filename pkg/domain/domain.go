// Package domain holds the shared governance vocabulary: capabilities,
// risk tiers, reversibility, and the error taxonomy every gate speaks.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Capability string

const (
	CapCalendarWrite   Capability = "calendar.write"
	CapReminderWrite   Capability = "reminder.write"
	CapEmailCompose    Capability = "email.compose"
	CapMessageSend     Capability = "message.send"
	CapNetworkEgress   Capability = "network.egress"
	CapCredentialStore Capability = "credential.store"
	CapWebhookDeliver  Capability = "webhook.deliver"
)

// KnownCapabilities is the closed set the policy evaluator recognizes.
// Anything outside it is denied.
var KnownCapabilities = map[Capability]bool{
	CapCalendarWrite:   true,
	CapReminderWrite:   true,
	CapEmailCompose:    true,
	CapMessageSend:     true,
	CapNetworkEgress:   true,
	CapCredentialStore: true,
	CapWebhookDeliver:  true,
}

// TrustSensitive reports whether a capability touches a trust-sensitive
// domain (network egress, calendar write, credential store). The risk
// scorer weights these capabilities up.
func (c Capability) TrustSensitive() bool {
	switch c {
	case CapNetworkEgress, CapCalendarWrite, CapCredentialStore:
		return true
	}
	return false
}

type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

// TierBreakpoints are the inclusive lower bounds of each tier above low.
// They are a policy constant defined once here; call sites must not
// re-derive them.
type TierBreakpoints struct {
	Medium   int `json:"medium" yaml:"medium"`
	High     int `json:"high" yaml:"high"`
	Critical int `json:"critical" yaml:"critical"`
}

var DefaultBreakpoints = TierBreakpoints{Medium: 25, High: 50, Critical: 75}

func (bp TierBreakpoints) Validate() error {
	if bp.Medium <= 0 || bp.High <= bp.Medium || bp.Critical <= bp.High || bp.Critical > 100 {
		return fmt.Errorf("tier breakpoints must satisfy 0 < medium < high < critical <= 100, got %d/%d/%d",
			bp.Medium, bp.High, bp.Critical)
	}
	return nil
}

// TierForScore maps a 0..100 risk score to its tier.
func (bp TierBreakpoints) TierForScore(score int) RiskTier {
	switch {
	case score >= bp.Critical:
		return TierCritical
	case score >= bp.High:
		return TierHigh
	case score >= bp.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

// RequiresSecondKey reports whether the tier floor mandates two-key
// confirmation. The floor cannot be lowered by operator policy.
func (t RiskTier) RequiresSecondKey() bool {
	return t == TierHigh || t == TierCritical
}

type Reversibility string

const (
	Reversible   Reversibility = "reversible"
	Irreversible Reversibility = "irreversible"
)

// ConfirmationFreshness is the exact window between granting a second
// confirmation and using it. A confirmation used even one second past
// the window is stale and must be re-granted.
const ConfirmationFreshness = 60 * time.Second

// SessionExpiryFloor is the minimum session auto-expiry window any
// configuration may set.
const SessionExpiryFloor = 60 * time.Second

// Loop budget bounds. Defaults sit inside the configurable range.
const (
	DefaultMaxPasses    = 4
	DefaultMaxToolCalls = 8
	MaxPassesCeiling    = 5
	MaxToolCallsCeiling = 16
)

// Decision is the result of every gated check: never a bare boolean.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// ParseRFC3339UTC validates the module-wide timestamp wire format.
func ParseRFC3339UTC(value, field string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New(field + " is required")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, errors.New(field + " must be RFC3339 UTC")
	}
	return t.UTC(), nil
}
