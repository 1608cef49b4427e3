package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/wakurelay/internal/cursor"
	"github.com/alfredjeanlab/wakurelay/internal/relay"
)

type staticSource []relay.Event

func (s staticSource) FetchSince(context.Context, uint64, int) ([]relay.Event, error) {
	return s, nil
}

func TestRunPipeline_ForwarderPanicDoesNotEscape(t *testing.T) {
	var delivered atomic.Int32
	fwd := relay.ForwarderFunc(func(_ context.Context, ev relay.Event) error {
		if ev.ID == "boom" {
			panic("forwarder bug")
		}
		delivered.Add(1)
		return nil
	})
	src := staticSource{{ID: "boom", CreatedAt: 1}, {ID: "ok", CreatedAt: 2}}
	p := relay.NewPolling(relay.Config{Direction: relay.NostrToWaku, PollInterval: 5 * time.Millisecond},
		cursor.For(cursor.NewMemoryStore(), "a2b"), src, fwd, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runPipeline(ctx, p) }()

	deadline := time.Now().Add(5 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runPipeline = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runPipeline did not return")
	}
	if got := delivered.Load(); got != 1 {
		t.Fatalf("delivered = %d, want the event after the panic", got)
	}
}
