package evidence

import (
	"encoding/json"
	"time"

	"gatekernel/pkg/canonhash"
)

const exportSchemaVersion = "evidence-export-v1"

// Export is the reconciliation artifact a human pulls when the mirror
// diverges or an auditor asks for the chain. Hashes and identifiers only.
type Export struct {
	SchemaVersion string    `json:"schema_version"`
	ExportedAt    time.Time `json:"exported_at"`
	TotalEntries  int       `json:"total_entries"`
	HeadHash      string    `json:"head_hash"`
	Entries       []Entry   `json:"entries"`
}

// ExportJSON renders the whole chain as pretty-printed, key-sorted JSON.
func (c *Chain) ExportJSON(now time.Time) ([]byte, error) {
	entries := c.Entries()
	exp := Export{
		SchemaVersion: exportSchemaVersion,
		ExportedAt:    now.UTC(),
		TotalEntries:  len(entries),
		HeadHash:      entries[len(entries)-1].EntryHash,
		Entries:       entries,
	}
	return canonhash.ExportJSON(exp)
}

// ParseExport reads an exported chain back for offline verification.
func ParseExport(b []byte) (Export, error) {
	var exp Export
	if err := json.Unmarshal(b, &exp); err != nil {
		return Export{}, err
	}
	return exp, nil
}
