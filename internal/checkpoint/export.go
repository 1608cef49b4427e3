package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/wakurelay/internal/cursor"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version        string    `json:"version"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	WatermarkCount int       `json:"watermark_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ledger summarises one seen-event scope.
type ledger struct {
	Scope string `json:"scope"`
	Seen  int64  `json:"seen"`
}

// ExportJSONL writes every watermark and the ledger size of its scope as
// JSONL to w. Watermarks come out ordered by direction.
func ExportJSONL(ctx context.Context, s cursor.Store, w io.Writer) error {
	marks, err := s.Watermarks(ctx)
	if err != nil {
		return fmt.Errorf("list watermarks: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:        "1",
		Type:           "header",
		Timestamp:      time.Now().UTC(),
		WatermarkCount: len(marks),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, m := range marks {
		if err := enc.Encode(record{Type: "watermark", Data: m}); err != nil {
			return fmt.Errorf("encode watermark %s: %w", m.Direction, err)
		}
	}
	for _, m := range marks {
		n, err := s.CountSeen(ctx, m.Direction)
		if err != nil {
			return fmt.Errorf("count seen for %s: %w", m.Direction, err)
		}
		if err := enc.Encode(record{Type: "ledger", Data: ledger{Scope: m.Direction, Seen: n}}); err != nil {
			return fmt.Errorf("encode ledger %s: %w", m.Direction, err)
		}
	}
	return nil
}
