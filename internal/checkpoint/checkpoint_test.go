package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/wakurelay/internal/cursor"
)

// mockDestination records calls to Write.
type mockDestination struct {
	writes atomic.Int64
	last   atomic.Value // []byte
	err    error
}

func (d *mockDestination) Write(_ context.Context, data []byte) error {
	d.writes.Add(1)
	cp := make([]byte, len(data))
	copy(cp, data)
	d.last.Store(cp)
	return d.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func seededStore(t *testing.T) *cursor.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := cursor.NewMemoryStore()
	for _, dir := range []string{"b2a", "a2b"} {
		if _, err := s.Watermark(ctx, dir, 100); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AdvanceWatermark(ctx, "a2b", 150); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"e1", "e2"} {
		if err := s.RecordSeen(ctx, "a2b", id); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestExportJSONL(t *testing.T) {
	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), seededStore(t), &buf); err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}

	lines := nonEmptyLines(buf.String())
	// header + 2 watermarks + 2 ledgers
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d:\n%s", len(lines), buf.String())
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatal(err)
	}
	if h.Type != "header" || h.WatermarkCount != 2 {
		t.Errorf("header = %+v", h)
	}

	var wm struct {
		Type string                 `json:"type"`
		Data cursor.WatermarkRecord `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &wm); err != nil {
		t.Fatal(err)
	}
	if wm.Type != "watermark" || wm.Data.Direction != "a2b" || wm.Data.LastUpdate != 150 {
		t.Errorf("first watermark = %+v, want a2b at 150", wm)
	}

	var lg struct {
		Type string `json:"type"`
		Data ledger `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[3]), &lg); err != nil {
		t.Fatal(err)
	}
	if lg.Type != "ledger" || lg.Data.Scope != "a2b" || lg.Data.Seen != 2 {
		t.Errorf("first ledger = %+v, want a2b with 2 seen", lg)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	dest := &mockDestination{}
	sched := NewScheduler(seededStore(t), []Destination{dest}, 50*time.Millisecond, quietLogger())
	sched.Start(context.Background())

	// Wait for at least the initial export + one tick.
	time.Sleep(120 * time.Millisecond)
	sched.Stop(context.Background())

	// initial + tick + final on Stop
	if writes := dest.writes.Load(); writes < 3 {
		t.Fatalf("expected at least 3 writes, got %d", writes)
	}
	data, ok := dest.last.Load().([]byte)
	if !ok || len(nonEmptyLines(string(data))) != 5 {
		t.Fatalf("last checkpoint = %q", data)
	}
}

func TestSchedulerStop_NoStart(t *testing.T) {
	dest := &mockDestination{}
	sched := NewScheduler(cursor.NewMemoryStore(), []Destination{dest}, time.Minute, quietLogger())
	sched.Stop(context.Background())
	if dest.writes.Load() != 0 {
		t.Fatal("Stop without Start should not export")
	}
}

func TestSchedulerFailingDestinationDoesNotBlockOthers(t *testing.T) {
	bad := &mockDestination{err: errors.New("access denied")}
	good := &mockDestination{}
	sched := NewScheduler(seededStore(t), []Destination{bad, good}, time.Minute, quietLogger())

	sched.Once(context.Background())

	if bad.writes.Load() != 1 || good.writes.Load() != 1 {
		t.Fatalf("writes bad=%d good=%d, want 1 each", bad.writes.Load(), good.writes.Load())
	}
}
