// Package cursor persists relay progress: one watermark per direction and a
// ledger of event ids already handed to a forwarder.
package cursor

import (
	"context"
	"time"
)

// Store defines the persistence interface for relay progress.
//
// Implementations must be safe for concurrent use by several directions,
// each using its own direction key and ledger scope.
type Store interface {
	// Watermark returns the persisted watermark for direction, inserting def
	// when none exists yet.
	Watermark(ctx context.Context, direction string, def uint64) (uint64, error)
	// AdvanceWatermark sets the watermark to max(current, candidate).
	AdvanceWatermark(ctx context.Context, direction string, candidate uint64) error

	// HasSeen reports whether id was recorded in scope.
	HasSeen(ctx context.Context, scope, id string) (bool, error)
	// RecordSeen inserts id into scope. Recording an id twice is a no-op.
	RecordSeen(ctx context.Context, scope, id string) error

	// Watermarks lists every persisted watermark, ordered by direction.
	Watermarks(ctx context.Context) ([]WatermarkRecord, error)
	// CountSeen returns the ledger size for scope.
	CountSeen(ctx context.Context, scope string) (int64, error)

	Close() error
}

// WatermarkRecord is one persisted watermark row.
type WatermarkRecord struct {
	Direction  string    `json:"direction"`
	LastUpdate uint64    `json:"last_update"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Cursor is a Store view bound to one direction. The direction key doubles
// as the ledger scope, so directions never share progress or dedup state.
type Cursor struct {
	store     Store
	direction string
}

// For returns the cursor of direction.
func For(s Store, direction string) *Cursor {
	return &Cursor{store: s, direction: direction}
}

// Direction returns the key this cursor is bound to.
func (c *Cursor) Direction() string { return c.direction }

// Watermark returns the persisted watermark, initialising it with def.
func (c *Cursor) Watermark(ctx context.Context, def uint64) (uint64, error) {
	return c.store.Watermark(ctx, c.direction, def)
}

// Advance moves the watermark forward to candidate if it is newer.
func (c *Cursor) Advance(ctx context.Context, candidate uint64) error {
	return c.store.AdvanceWatermark(ctx, c.direction, candidate)
}

// HasSeen reports whether id was already recorded for this direction.
func (c *Cursor) HasSeen(ctx context.Context, id string) (bool, error) {
	return c.store.HasSeen(ctx, c.direction, id)
}

// RecordSeen records id for this direction.
func (c *Cursor) RecordSeen(ctx context.Context, id string) error {
	return c.store.RecordSeen(ctx, c.direction, id)
}
