package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/alfredjeanlab/wakurelay/internal/cursor"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryWatermark inserts def when the direction has no row yet, then reads
// the stored value. Concurrent first calls agree on whichever insert won.
func queryWatermark(ctx context.Context, db executor, direction string, def uint64) (uint64, error) {
	d, err := toBigint(def)
	if err != nil {
		return 0, err
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO relay_watermarks (direction, last_update, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (direction) DO NOTHING`,
		direction, d,
	); err != nil {
		return 0, err
	}

	var last int64
	if err := db.QueryRowContext(ctx,
		`SELECT last_update FROM relay_watermarks WHERE direction = $1`, direction,
	).Scan(&last); err != nil {
		return 0, err
	}
	return fromBigint(last), nil
}

// queryAdvanceWatermark upserts candidate only when it is newer, so the
// stored value never decreases regardless of call order.
func queryAdvanceWatermark(ctx context.Context, db executor, direction string, candidate uint64) error {
	c, err := toBigint(candidate)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO relay_watermarks (direction, last_update, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (direction) DO UPDATE
		SET last_update = EXCLUDED.last_update, updated_at = EXCLUDED.updated_at
		WHERE relay_watermarks.last_update < EXCLUDED.last_update`,
		direction, c,
	)
	return err
}

func queryHasSeen(ctx context.Context, db executor, scope, id string) (bool, error) {
	var seen bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM relay_seen_events WHERE scope = $1 AND event_id = $2)`,
		scope, id,
	).Scan(&seen)
	return seen, err
}

func queryRecordSeen(ctx context.Context, db executor, scope, id string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO relay_seen_events (scope, event_id, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (scope, event_id) DO NOTHING`,
		scope, id,
	)
	return err
}

func queryWatermarks(ctx context.Context, db executor) ([]cursor.WatermarkRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT direction, last_update, updated_at FROM relay_watermarks ORDER BY direction`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cursor.WatermarkRecord
	for rows.Next() {
		var (
			rec  cursor.WatermarkRecord
			last int64
		)
		if err := rows.Scan(&rec.Direction, &last, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.LastUpdate = fromBigint(last)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func queryCountSeen(ctx context.Context, db executor, scope string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM relay_seen_events WHERE scope = $1`, scope,
	).Scan(&n)
	return n, err
}

func toBigint(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("watermark %d exceeds BIGINT range", v)
	}
	return int64(v), nil
}

func fromBigint(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
