package idgen

import "testing"

func TestNewLength(t *testing.T) {
	id := New()
	if len(id) != Length {
		t.Fatalf("expected id of length %d, got %q (len %d)", Length, id, len(id))
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("generated duplicate id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestNewIsHex(t *testing.T) {
	const hexDigits = "0123456789abcdef"
	id := New()
	for _, r := range id {
		if !containsRune(hexDigits, r) {
			t.Fatalf("id %q contains non-hex character %q", id, r)
		}
	}
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
