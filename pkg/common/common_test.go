package common

import "testing"

func TestUUIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := UUID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if UUIDint64() <= 0 {
		t.Fatal("expected positive id")
	}
}

func TestIfEmptyStrAndMask(t *testing.T) {
	if IfEmptyStr("  ", NA) != NA {
		t.Fatal("expected default for blank input")
	}
	if IfEmptyStr("x", NA) != "x" {
		t.Fatal("expected original value")
	}
	if got := MaskString("abcdefgh", 3); got != "abc..." {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskString("ab", 3); got != "ab" {
		t.Fatalf("unexpected mask %q", got)
	}
}
