package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("ver")
	if !strings.HasPrefix(id, "ver_") || len(id) != len("ver_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("ver") == id {
		t.Fatal("expected unique ids")
	}
	if bare := NewID(""); strings.Contains(bare, "_") || len(bare) != 32 {
		t.Fatalf("unexpected bare id %q", bare)
	}
}
