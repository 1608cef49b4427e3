package idgen

import (
	"regexp"
	"strings"
	"testing"
)

func TestRunID(t *testing.T) {
	id := RunID()
	if !strings.HasPrefix(id, RunPrefix) {
		t.Errorf("RunID() = %q, want prefix %q", id, RunPrefix)
	}
	if want := len(RunPrefix) + Length; len(id) != want {
		t.Errorf("RunID() length = %d, want %d", len(id), want)
	}
}

func TestDeliveryID_Charset(t *testing.T) {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(DeliveryPrefix) + `[a-zA-Z0-9]+$`)
	for i := 0; i < 100; i++ {
		if id := DeliveryID(); !pattern.MatchString(id) {
			t.Fatalf("DeliveryID() = %q, does not match expected charset pattern", id)
		}
	}
}

func TestWithPrefix_Uniqueness(t *testing.T) {
	const count = 10_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id, err := WithPrefix("x-")
		if err != nil {
			t.Fatalf("WithPrefix error on iteration %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID after %d generations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}
