package canonical

import (
	"strings"
	"testing"
)

func TestHashIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{
		"brand": "apple",
		"attrs": map[string]any{"color": "silver", "size": 13},
	}
	b := map[string]any{
		"attrs": map[string]any{"size": 13, "color": "silver"},
		"brand": "apple",
	}

	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected identical hashes, got %s vs %s", ha, hb)
	}
	if len(ha) != 64 || strings.ToLower(ha) != ha {
		t.Fatalf("expected lowercase hex sha256, got %q", ha)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	ha, _ := Hash(map[string]any{"amount": "100"})
	hb, _ := Hash(map[string]any{"amount": "101"})
	if ha == hb {
		t.Fatal("expected different hashes for different content")
	}
}

func TestMarshalRetainsNulls(t *testing.T) {
	b, err := Marshal(map[string]any{"brand": nil, "model": "x100"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"brand":null,"model":"x100"}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestMarshalDropNullsRemovesNulls(t *testing.T) {
	b, err := MarshalDropNulls(map[string]any{
		"brand": nil,
		"model": "x100",
		"nested": map[string]any{
			"serial": nil,
			"year":   2020,
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"model":"x100","nested":{"year":2020}}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestNullHandlingChangesDigest(t *testing.T) {
	withNull := map[string]any{"a": 1, "b": nil}
	without := map[string]any{"a": 1}

	h1, _ := Hash(withNull)
	h2, _ := Hash(without)
	if h1 == h2 {
		t.Fatal("input hash must distinguish explicit nulls")
	}

	c1, _ := ContentHash(withNull)
	c2, _ := ContentHash(without)
	if c1 != c2 {
		t.Fatal("content hash must not distinguish explicit nulls")
	}
}

func TestMarshalPreservesIntegerFidelity(t *testing.T) {
	b, err := Marshal(map[string]any{"micros": int64(50_000_000_001)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"micros":50000000001}` {
		t.Fatalf("large integer mangled: %s", b)
	}
}

func TestHashRejectsUnencodableInput(t *testing.T) {
	if _, err := Hash(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected encoding error for channel value")
	}
}
