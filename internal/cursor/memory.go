package cursor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

var errClosed = errors.New("cursor store closed")

// MemoryStore is a process-local Store. Progress does not survive restarts;
// it backs tests and the memory:// database URL.
type MemoryStore struct {
	mu         sync.Mutex
	watermarks map[string]WatermarkRecord
	seen       map[string]map[string]time.Time
	closed     bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		watermarks: make(map[string]WatermarkRecord),
		seen:       make(map[string]map[string]time.Time),
	}
}

func (m *MemoryStore) Watermark(_ context.Context, direction string, def uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, relayerr.New(relayerr.ErrPersistence, "get watermark", errClosed)
	}
	if rec, ok := m.watermarks[direction]; ok {
		return rec.LastUpdate, nil
	}
	m.watermarks[direction] = WatermarkRecord{Direction: direction, LastUpdate: def, UpdatedAt: time.Now().UTC()}
	return def, nil
}

func (m *MemoryStore) AdvanceWatermark(_ context.Context, direction string, candidate uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return relayerr.New(relayerr.ErrPersistence, "advance watermark", errClosed)
	}
	rec, ok := m.watermarks[direction]
	if ok && candidate <= rec.LastUpdate {
		return nil
	}
	m.watermarks[direction] = WatermarkRecord{Direction: direction, LastUpdate: candidate, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) HasSeen(_ context.Context, scope, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, relayerr.New(relayerr.ErrPersistence, "has seen", errClosed)
	}
	_, ok := m.seen[scope][id]
	return ok, nil
}

func (m *MemoryStore) RecordSeen(_ context.Context, scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return relayerr.New(relayerr.ErrPersistence, "record seen", errClosed)
	}
	ids, ok := m.seen[scope]
	if !ok {
		ids = make(map[string]time.Time)
		m.seen[scope] = ids
	}
	if _, dup := ids[id]; !dup {
		ids[id] = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) Watermarks(_ context.Context) ([]WatermarkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WatermarkRecord, 0, len(m.watermarks))
	for _, rec := range m.watermarks {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Direction < out[j].Direction })
	return out, nil
}

func (m *MemoryStore) CountSeen(_ context.Context, scope string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.seen[scope])), nil
}

// Close marks the store closed; later calls fail with a persistence error.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
