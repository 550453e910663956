package evidencehash

import "testing"

func TestCanonicalSHA256Deterministic(t *testing.T) {
	a := map[string]any{"amount": "2325.00", "currency": "USD"}
	b := map[string]any{"currency": "USD", "amount": "2325.00"}
	hashA, _, err := CanonicalSHA256(a)
	if err != nil {
		t.Fatalf("CanonicalSHA256: %v", err)
	}
	hashB, _, err := CanonicalSHA256(b)
	if err != nil {
		t.Fatalf("CanonicalSHA256: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("hash depends on map insertion order: %s vs %s", hashA, hashB)
	}
	if len(hashA) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(hashA))
	}
}

func TestCanonicalSHA256DistinguishesPayloads(t *testing.T) {
	hashA, _, _ := CanonicalSHA256(map[string]any{"amount": "2325.00"})
	hashB, _, _ := CanonicalSHA256(map[string]any{"amount": "2325.01"})
	if hashA == hashB {
		t.Fatalf("different payloads hashed identically")
	}
}

func TestHashStringSHA256Hex(t *testing.T) {
	h1 := HashStringSHA256Hex("token-a")
	h2 := HashStringSHA256Hex("token-a")
	if h1 != h2 || len(h1) != 64 {
		t.Fatalf("unexpected hash output: %s %s", h1, h2)
	}
	if HashStringSHA256Hex("token-b") == h1 {
		t.Fatalf("distinct strings hashed identically")
	}
}
