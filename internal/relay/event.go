// Package relay moves events from one network to another: fetch or receive,
// deduplicate against a durable ledger, queue on a bounded channel, and
// forward with bounded retries, advancing a per-direction watermark.
package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

// Direction names one relay flow. It doubles as the watermark key and the
// dedup ledger scope.
type Direction string

const (
	NostrToWaku  Direction = "a2b"
	WakuToNostr  Direction = "b2a"
	NostrToIndex Direction = "a2index"
)

// directionAliases maps accepted spellings to directions.
var directionAliases = map[string]Direction{
	"a2b":     NostrToWaku,
	"n2w":     NostrToWaku,
	"b2a":     WakuToNostr,
	"w2n":     WakuToNostr,
	"a2index": NostrToIndex,
	"n2i":     NostrToIndex,
}

// ParseDirection accepts a2b|b2a|a2index and the short n2w|w2n|n2i forms.
func ParseDirection(s string) (Direction, error) {
	d, ok := directionAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", relayerr.Errorf(relayerr.ErrConfig, "unknown direction %q (want a2b, b2a or a2index)", s)
	}
	return d, nil
}

// ParseDirections parses a comma-separated direction list, dropping repeats.
func ParseDirections(list []string) ([]Direction, error) {
	var out []Direction
	seen := make(map[Direction]bool)
	for _, item := range list {
		for _, part := range strings.Split(item, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			d, err := ParseDirection(part)
			if err != nil {
				return nil, err
			}
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	if len(out) == 0 {
		return nil, relayerr.Errorf(relayerr.ErrConfig, "no direction given")
	}
	return out, nil
}

// Event is one relayed message. It is never mutated after being fetched.
type Event struct {
	ID        string     `json:"id"`
	CreatedAt uint64     `json:"created_at"`
	PubKey    string     `json:"pubkey"`
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags,omitempty"`
	// Raw is the canonical serialized form of the event on its origin
	// network, forwarded verbatim as an opaque payload.
	Raw []byte `json:"-"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s@%d", e.ID, e.CreatedAt)
}

// SortEvents orders events ascending by CreatedAt, breaking ties by ID.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

// Source fetches batches of events from a polled network.
type Source interface {
	// FetchSince returns events with created_at >= since. limit bounds a
	// single request to the backing service. The watermark advances to the
	// newest event returned, so a source that truncates must drop the newest
	// events, never older ones.
	FetchSince(ctx context.Context, since uint64, limit int) ([]Event, error)
}

// Stream delivers events pushed by a subscribed network.
type Stream interface {
	// Subscribe returns a channel of inbound events. Call the returned
	// cancel function to unsubscribe; the channel is closed afterwards.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// Forwarder performs exactly one outbound delivery per call.
type Forwarder interface {
	Forward(ctx context.Context, ev Event) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, ev Event) error

func (f ForwarderFunc) Forward(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Cursor is the per-direction progress a pipeline reads and advances.
type Cursor interface {
	Watermark(ctx context.Context, def uint64) (uint64, error)
	Advance(ctx context.Context, candidate uint64) error
	HasSeen(ctx context.Context, id string) (bool, error)
	RecordSeen(ctx context.Context, id string) error
}
