package ids

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	a := New()
	b := New()

	if len(a) != 32 {
		t.Fatalf("expected 32-char id, got %d", len(a))
	}
	if len(b) != 32 {
		t.Fatalf("expected 32-char id, got %d", len(b))
	}
	if a == b {
		t.Fatalf("expected distinct ids, got duplicates")
	}
}

func TestNewPrefixed(t *testing.T) {
	id := NewPrefixed("task")
	if !strings.HasPrefix(id, "task_") {
		t.Fatalf("expected task_ prefix, got %q", id)
	}
	if len(id) != len("task_")+32 {
		t.Fatalf("unexpected id length %d", len(id))
	}
	if got := NewPrefixed("  "); len(got) != 32 {
		t.Fatalf("expected bare id for empty prefix, got %q", got)
	}
}
