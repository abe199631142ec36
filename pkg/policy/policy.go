// Package policy is the pure, side-effect-free capability gate. Decide
// holds no state and caches nothing: daily usage is supplied by the
// caller from the evidence-derived ledger, so concurrent read paths can
// share the evaluator without locking.
package policy

import (
	"fmt"
	"sync"

	"gatekernel/pkg/domain"
)

// OperatorPolicy is the single active policy instance, owned by the UI
// boundary. The pipeline reads it and never mutates it.
type OperatorPolicy struct {
	Capabilities                map[domain.Capability]bool `json:"capabilities" yaml:"capabilities"`
	MaxActionsPerDay            *int                       `json:"max_actions_per_day,omitempty" yaml:"max_actions_per_day"`
	RequireExplicitConfirmation bool                       `json:"require_explicit_confirmation" yaml:"require_explicit_confirmation"`
	Enabled                     bool                       `json:"enabled" yaml:"enabled"`
}

// Decide evaluates one capability. Rules, in order: a nil policy denies
// (fail closed); a disabled policy allows (the operator explicitly
// disengaged constraints); a met daily cap denies with used/max in the
// reason; an unknown capability denies; otherwise the capability's flag
// decides. Every decision carries a reason, never a bare boolean.
func Decide(capability domain.Capability, p *OperatorPolicy, usageToday int) domain.Decision {
	if p == nil {
		return domain.Decision{Allowed: false, Reason: "no operator policy configured"}
	}
	if !p.Enabled {
		return domain.Decision{Allowed: true, Reason: "operator policy disabled; constraints disengaged"}
	}
	if p.MaxActionsPerDay != nil && usageToday >= *p.MaxActionsPerDay {
		return domain.Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("daily action limit reached (%d/%d)", usageToday, *p.MaxActionsPerDay),
		}
	}
	if !domain.KnownCapabilities[capability] {
		return domain.Decision{Allowed: false, Reason: fmt.Sprintf("unrecognized capability %q", capability)}
	}
	if !p.Capabilities[capability] {
		return domain.Decision{Allowed: false, Reason: fmt.Sprintf("capability %q not granted by operator policy", capability)}
	}
	return domain.Decision{Allowed: true, Reason: fmt.Sprintf("capability %q granted", capability)}
}

// Denied wraps a denying decision in the taxonomy error.
func Denied(d domain.Decision) error {
	if d.Allowed {
		return nil
	}
	return &domain.PolicyDeniedError{Reason: d.Reason}
}

// Store holds the active policy behind a lock so the UI boundary can
// swap it while gates read it. Reads get a copy.
type Store struct {
	mu     sync.RWMutex
	active *OperatorPolicy
}

func NewStore(p *OperatorPolicy) *Store { return &Store{active: p} }

func (s *Store) Active() *OperatorPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	cp := *s.active
	cp.Capabilities = make(map[domain.Capability]bool, len(s.active.Capabilities))
	for k, v := range s.active.Capabilities {
		cp.Capabilities[k] = v
	}
	if s.active.MaxActionsPerDay != nil {
		max := *s.active.MaxActionsPerDay
		cp.MaxActionsPerDay = &max
	}
	return &cp
}

func (s *Store) Replace(p *OperatorPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = p
}
