package kernel

import "time"

// FindingPack is the read-only diagnostic snapshot the operations
// dashboard polls: posture, policy-denial pressure, key lifecycle, and
// device trust. It carries no raw content and grants no capability.
type FindingPack struct {
	GeneratedAt   time.Time           `json:"generated_at"`
	Posture       Posture             `json:"posture"`
	PostureReason string              `json:"posture_reason,omitempty"`
	ChainEntries  int                 `json:"chain_entries"`
	ChainValid    bool                `json:"chain_valid"`
	PolicyDenials int64               `json:"policy_denials"`
	KeyLifecycle  KeyLifecycleFinding `json:"key_lifecycle"`
	Devices       []DeviceFinding     `json:"devices"`
}

type KeyLifecycleFinding struct {
	EpochID          int `json:"epoch_id"`
	ActiveKeyVersion int `json:"active_key_version"`
	RevokedVersions  int `json:"revoked_versions"`
}

type DeviceFinding struct {
	Fingerprint string `json:"fingerprint"`
	TrustState  string `json:"trust_state"`
}

func (k *Kernel) Findings() FindingPack {
	posture, reason := k.Posture()
	epoch := k.deps.Registry.CurrentEpoch()
	report := k.deps.Chain.VerifyChainIntegrity()

	devices := []DeviceFinding{}
	for _, d := range k.deps.Registry.Devices() {
		devices = append(devices, DeviceFinding{Fingerprint: d.Fingerprint, TrustState: string(d.TrustState)})
	}
	return FindingPack{
		GeneratedAt:   k.now().UTC(),
		Posture:       posture,
		PostureReason: reason,
		ChainEntries:  report.TotalEntries,
		ChainValid:    report.OverallValid,
		PolicyDenials: k.denials.Load(),
		KeyLifecycle: KeyLifecycleFinding{
			EpochID:          epoch.EpochID,
			ActiveKeyVersion: epoch.ActiveKeyVersion,
			RevokedVersions:  len(epoch.RevokedVersions),
		},
		Devices: devices,
	}
}
