package domain

import "fmt"

// FailureCode is the machine-readable discriminator carried by every
// governance error. All codes are terminal for the current action: the
// caller surfaces them, never retries automatically, never downgrades
// them to warnings.
type FailureCode string

const (
	CodePolicyDenied            FailureCode = "POLICY_DENIED"
	CodeChainIntegrityViolation FailureCode = "CHAIN_INTEGRITY_VIOLATION"
	CodeMirrorDivergence        FailureCode = "MIRROR_DIVERGENCE"
	CodeConfirmationExpired     FailureCode = "CONFIRMATION_EXPIRED"
	CodeConfirmationOutOfOrder  FailureCode = "CONFIRMATION_OUT_OF_ORDER"
	CodeToolBudgetExceeded      FailureCode = "TOOL_BUDGET_EXCEEDED"
	CodeNetworkBlocked          FailureCode = "NETWORK_BLOCKED"
	CodeDeviceNotTrusted        FailureCode = "DEVICE_NOT_TRUSTED"
	CodeKeyRevoked              FailureCode = "KEY_REVOKED"
	CodeLockdown                FailureCode = "LOCKDOWN"
)

// Coded is implemented by every taxonomy error.
type Coded interface {
	error
	FailureCode() FailureCode
}

type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("%s: %s", CodePolicyDenied, e.Reason)
}
func (e *PolicyDeniedError) FailureCode() FailureCode { return CodePolicyDenied }

type ChainIntegrityError struct {
	Index int
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("%s: chain diverges at entry %d", CodeChainIntegrityViolation, e.Index)
}
func (e *ChainIntegrityError) FailureCode() FailureCode { return CodeChainIntegrityViolation }

type MirrorDivergenceError struct {
	Index int
}

func (e *MirrorDivergenceError) Error() string {
	return fmt.Sprintf("%s: mirror diverges from local chain at entry %d", CodeMirrorDivergence, e.Index)
}
func (e *MirrorDivergenceError) FailureCode() FailureCode { return CodeMirrorDivergence }

type ConfirmationExpiredError struct {
	AgeSeconds float64
}

func (e *ConfirmationExpiredError) Error() string {
	return fmt.Sprintf("%s: second confirmation is %.0fs old, freshness window is %.0fs",
		CodeConfirmationExpired, e.AgeSeconds, ConfirmationFreshness.Seconds())
}
func (e *ConfirmationExpiredError) FailureCode() FailureCode { return CodeConfirmationExpired }

type ConfirmationOutOfOrderError struct {
	Reason string
}

func (e *ConfirmationOutOfOrderError) Error() string {
	return fmt.Sprintf("%s: %s", CodeConfirmationOutOfOrder, e.Reason)
}
func (e *ConfirmationOutOfOrderError) FailureCode() FailureCode { return CodeConfirmationOutOfOrder }

type ToolBudgetExceededError struct {
	Budget string // "passes" or "tool_calls"
	Limit  int
}

func (e *ToolBudgetExceededError) Error() string {
	return fmt.Sprintf("%s: %s budget of %d exhausted", CodeToolBudgetExceeded, e.Budget, e.Limit)
}
func (e *ToolBudgetExceededError) FailureCode() FailureCode { return CodeToolBudgetExceeded }

type NetworkBlockedError struct {
	ConnectorID string
}

func (e *NetworkBlockedError) Error() string {
	return fmt.Sprintf("%s: connector %q is not on the allowlist", CodeNetworkBlocked, e.ConnectorID)
}
func (e *NetworkBlockedError) FailureCode() FailureCode { return CodeNetworkBlocked }

type DeviceNotTrustedError struct {
	Fingerprint string
}

func (e *DeviceNotTrustedError) Error() string {
	return fmt.Sprintf("%s: device %s is not trusted", CodeDeviceNotTrusted, e.Fingerprint)
}
func (e *DeviceNotTrustedError) FailureCode() FailureCode { return CodeDeviceNotTrusted }

type KeyRevokedError struct {
	Version int
}

func (e *KeyRevokedError) Error() string {
	return fmt.Sprintf("%s: signing key version %d is revoked", CodeKeyRevoked, e.Version)
}
func (e *KeyRevokedError) FailureCode() FailureCode { return CodeKeyRevoked }

type LockdownError struct {
	Reason string
}

func (e *LockdownError) Error() string {
	return fmt.Sprintf("%s: %s", CodeLockdown, e.Reason)
}
func (e *LockdownError) FailureCode() FailureCode { return CodeLockdown }

// CodeOf extracts the failure code from err, or "" when err is not part
// of the taxonomy.
func CodeOf(err error) FailureCode {
	var coded Coded
	if ok := asCoded(err, &coded); ok {
		return coded.FailureCode()
	}
	return ""
}

func asCoded(err error, target *Coded) bool {
	for err != nil {
		if c, ok := err.(Coded); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
