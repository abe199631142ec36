package canonhash

import (
	"strings"
	"testing"
)

func TestCanonicalSHA256Deterministic(t *testing.T) {
	v := map[string]any{"b": 2, "a": "one"}
	h1, _, err := CanonicalSHA256(v)
	if err != nil {
		t.Fatalf("CanonicalSHA256: %v", err)
	}
	h2, _, err := CanonicalSHA256(map[string]any{"a": "one", "b": 2})
	if err != nil {
		t.Fatalf("CanonicalSHA256: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hashes for identical values, got %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected lowercase hex sha256, got %q", h1)
	}
}

func TestJoinHashOrderSensitive(t *testing.T) {
	if JoinHash("a", "b") == JoinHash("b", "a") {
		t.Fatal("field order must be part of the hash")
	}
	if JoinHash("a", "b") != HashStringSHA256Hex("a|b") {
		t.Fatal("JoinHash must be the pipe-joined hash")
	}
}

func TestExportJSONKeySorted(t *testing.T) {
	type payload struct {
		Zebra string `json:"zebra"`
		Alpha string `json:"alpha"`
	}
	b, err := ExportJSON(payload{Zebra: "z", Alpha: "a"})
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	out := string(b)
	if strings.Index(out, `"alpha"`) > strings.Index(out, `"zebra"`) {
		t.Fatalf("expected key-sorted output, got:\n%s", out)
	}
	if !strings.Contains(out, "\n  ") {
		t.Fatal("expected pretty-printed output")
	}
}
