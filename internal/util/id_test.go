package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	plain := NewID("")
	if _, err := uuid.Parse(plain); err != nil {
		t.Fatalf("NewID(\"\") = %q, not a uuid: %v", plain, err)
	}

	prefixed := NewID("ses")
	if !strings.HasPrefix(prefixed, "ses_") {
		t.Fatalf("NewID(\"ses\") = %q, want ses_ prefix", prefixed)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(prefixed, "ses_")); err != nil {
		t.Fatalf("suffix is not a uuid: %v", err)
	}

	if NewID("x") == NewID("x") {
		t.Fatal("expected unique ids")
	}
}
