package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	plain := NewID("")
	if len(plain) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", plain)
	}
	prefixed := NewID("ed")
	if !strings.HasPrefix(prefixed, "ed_") {
		t.Fatalf("expected ed_ prefix, got %q", prefixed)
	}
	if NewID("ed") == prefixed {
		t.Fatal("expected unique identifiers")
	}
}
