package relay

import (
	"fmt"
	"time"
)

// State is the producer-side phase of a pipeline. Draining runs
// concurrently in the consumer and is not a producer state.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateDeduping
	StateEnqueuing
	StateSleeping
	StateSubscribed
	StateShuttingDown
	StateStopped
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateFetching:     "fetching",
	StateDeduping:     "deduping",
	StateEnqueuing:    "enqueuing",
	StateSleeping:     "sleeping",
	StateSubscribed:   "subscribed",
	StateShuttingDown: "shutting_down",
	StateStopped:      "stopped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state name in health output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown pipeline state %q", b)
}

// Status is a point-in-time view of a pipeline for health reporting.
type Status struct {
	Direction   Direction `json:"direction"`
	RunID       string    `json:"run_id"`
	State       State     `json:"state"`
	Watermark   uint64    `json:"watermark"`
	LastCycleAt time.Time `json:"last_cycle_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}
