package idgen

import (
	"regexp"
	"strings"
	"testing"
)

func TestEventID_Shape(t *testing.T) {
	id := EventID()
	wantLen := len(EventPrefix) + Length
	if len(id) != wantLen {
		t.Errorf("EventID() length = %d, want %d (id=%q)", len(id), wantLen, id)
	}
	if !strings.HasPrefix(id, EventPrefix) {
		t.Errorf("EventID() = %q, want prefix %q", id, EventPrefix)
	}
}

func TestChangeID_Charset(t *testing.T) {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(ChangePrefix) + `[a-zA-Z0-9]+$`)
	for i := 0; i < 100; i++ {
		id := ChangeID()
		if !pattern.MatchString(id) {
			t.Fatalf("ChangeID() = %q, does not match expected charset pattern", id)
		}
	}
}

func TestChangeID_Uniqueness(t *testing.T) {
	const count = 10_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id := ChangeID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID after %d generations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	prefix := "test-"
	id, err := GenerateWithPrefix(prefix)
	if err != nil {
		t.Fatalf("GenerateWithPrefix(%q) error: %v", prefix, err)
	}
	if id[:len(prefix)] != prefix {
		t.Errorf("GenerateWithPrefix(%q) = %q, want prefix %q", prefix, id, prefix)
	}
	wantLen := len(prefix) + Length
	if len(id) != wantLen {
		t.Errorf("GenerateWithPrefix(%q) length = %d, want %d (id=%q)", prefix, len(id), wantLen, id)
	}
}
