package relay

import (
	"encoding/json"
	"testing"
)

func TestStateText(t *testing.T) {
	for s := StateIdle; s <= StateStopped; s++ {
		b, err := json.Marshal(Status{State: s})
		if err != nil {
			t.Fatal(err)
		}
		var back Status
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if back.State != s {
			t.Errorf("round trip %s -> %s", s, back.State)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("exploded")); err == nil {
		t.Error("expected error for unknown state")
	}
	if State(99).String() != "unknown" {
		t.Errorf("State(99) = %s", State(99))
	}
}
