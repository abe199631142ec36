package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// CanonicalSHA256 hashes the json.Marshal bytes of v with SHA256 hex.
// Every hash that enters the evidence chain or a trace goes through here
// so that independently produced hashes of the same value agree.
func CanonicalSHA256(v any) (hexHash string, bytes []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

func HashStringSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// JoinHash hashes fields joined with '|'. Field order is part of the hash
// contract; callers must pass fields in their declared order.
func JoinHash(fields ...string) string {
	return HashStringSHA256Hex(strings.Join(fields, "|"))
}

// ExportJSON renders v as pretty-printed, key-sorted JSON. Struct values
// are round-tripped through a map so encoding/json sorts the keys.
func ExportJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return json.MarshalIndent(generic, "", "  ")
}
