// Package nostr reads hashtag-filtered notes from a Nostr relay and
// publishes relayed messages back to it.
package nostr

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/alfredjeanlab/wakurelay/internal/relay"
	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

// Defaults.
const (
	DefaultHashtag      = "waku"
	DefaultKind         = gonostr.KindTextNote
	DefaultFetchTimeout = 10 * time.Second
)

// Config configures the relay connection and the note filter.
type Config struct {
	PrivKey      string
	URL          string
	Hashtag      string
	Kind         int
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Hashtag == "" {
		c.Hashtag = DefaultHashtag
	}
	if c.Kind == 0 {
		c.Kind = DefaultKind
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// relayConn is the part of *gonostr.Relay the client uses.
type relayConn interface {
	QuerySync(ctx context.Context, filter gonostr.Filter) ([]*gonostr.Event, error)
	Publish(ctx context.Context, ev gonostr.Event) error
	IsConnected() bool
	Close() error
}

type dialFunc func(ctx context.Context, url string) (relayConn, error)

func dialRelay(ctx context.Context, url string) (relayConn, error) {
	return gonostr.RelayConnect(ctx, url)
}

// Client is a relay.Source over a Nostr relay and a relay.Forwarder into it.
// The connection is re-established lazily when it drops.
type Client struct {
	cfg    Config
	secret string
	pubkey string
	logger *slog.Logger
	dial   dialFunc

	mu   sync.Mutex
	conn relayConn
}

// Dial parses the relay key and connects to cfg.URL.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	return dial(ctx, cfg, logger, dialRelay)
}

func dial(ctx context.Context, cfg Config, logger *slog.Logger, d dialFunc) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, relayerr.Errorf(relayerr.ErrConfig, "nostr.ws_url is required")
	}
	secret, err := ParseSecretKey(cfg.PrivKey)
	if err != nil {
		return nil, err
	}
	pubkey, err := gonostr.GetPublicKey(secret)
	if err != nil {
		return nil, relayerr.New(relayerr.ErrConfig, "derive public key", err)
	}

	c := &Client{
		cfg:    cfg,
		secret: secret,
		pubkey: pubkey,
		logger: logger.With("nostr_relay", cfg.URL),
		dial:   d,
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()
	if _, err := c.relay(ctx); err != nil {
		return nil, relayerr.New(relayerr.ErrTransportConnect, "connect nostr relay", err)
	}
	c.logger.Info("nostr relay connected", "pubkey", pubkey, "hashtag", cfg.Hashtag)
	return c, nil
}

// PublicKey returns the hex public key notes are signed with.
func (c *Client) PublicKey() string { return c.pubkey }

func (c *Client) relay(ctx context.Context) (relayConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.IsConnected() {
		return c.conn, nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.logger.Info("reconnecting to nostr relay")
	}
	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.cfg.URL, err)
	}
	c.conn = conn
	return conn, nil
}

// drop discards conn so the next call reconnects.
func (c *Client) drop(conn relayConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = conn.Close()
		c.conn = nil
	}
}

// Filter returns the query for notes tagged with the hashtag created at or
// after since.
func (c *Client) Filter(since uint64, limit int) gonostr.Filter {
	ts := gonostr.Timestamp(since)
	return gonostr.Filter{
		Kinds: []int{c.cfg.Kind},
		Tags:  gonostr.TagMap{"t": []string{c.cfg.Hashtag}},
		Since: &ts,
		Limit: limit,
	}
}

// FetchSince returns every matching event created at or after since, in
// ascending created_at order. Relays answer a limited query with the newest
// matches, so a full page is followed by a query for the events at or
// before its oldest created_at, until a short page shows nothing older
// remains. limit is the page size; each page gets the fetch timeout.
func (c *Client) FetchSince(ctx context.Context, since uint64, limit int) ([]relay.Event, error) {
	if limit <= 0 {
		limit = relay.DefaultFetchLimit
	}
	seen := make(map[string]bool)
	var out []relay.Event
	var until *gonostr.Timestamp
	for pages := 1; ; pages++ {
		filter := c.Filter(since, limit)
		filter.Until = until
		found, err := c.query(ctx, filter)
		if err != nil {
			return nil, err
		}

		added := 0
		var oldest gonostr.Timestamp
		for _, ev := range found {
			if ev == nil {
				continue
			}
			if oldest == 0 || ev.CreatedAt < oldest {
				oldest = ev.CreatedAt
			}
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			added++
			e, err := ToEvent(ev)
			if err != nil {
				c.logger.Warn("skipping unencodable event", "event_id", ev.ID, "error", err)
				continue
			}
			out = append(out, e)
		}
		if len(found) < limit {
			break
		}
		if added == 0 {
			c.logger.Warn("more events share one created_at than fit in a page; raise nostr.fetch_limit",
				"created_at", oldest, "limit", limit, "pages", pages)
			break
		}
		until = &oldest
	}
	relay.SortEvents(out)
	return out, nil
}

// query runs one filter against the relay, reconnecting on the next call
// after a failure.
func (c *Client) query(ctx context.Context, filter gonostr.Filter) ([]*gonostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	conn, err := c.relay(ctx)
	if err != nil {
		return nil, relayerr.New(relayerr.ErrFetch, "query relay", err)
	}
	found, err := conn.QuerySync(ctx, filter)
	if err != nil {
		c.drop(conn)
		return nil, relayerr.New(relayerr.ErrFetch, "query relay", err)
	}
	return found, nil
}

// ToEvent converts a Nostr event, keeping its JSON as the raw payload.
func ToEvent(ev *gonostr.Event) (relay.Event, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return relay.Event{}, relayerr.New(relayerr.ErrSerialization, "encode nostr event", err)
	}
	tags := make([][]string, len(ev.Tags))
	for i, t := range ev.Tags {
		tags[i] = []string(t)
	}
	return relay.Event{
		ID:        ev.ID,
		CreatedAt: uint64(ev.CreatedAt),
		PubKey:    ev.PubKey,
		Kind:      ev.Kind,
		Content:   ev.Content,
		Tags:      tags,
		Raw:       raw,
	}, nil
}

// Forward publishes ev to the relay. See Note for what is published.
func (c *Client) Forward(ctx context.Context, ev relay.Event) error {
	note, err := c.Note(ev)
	if err != nil {
		return err
	}
	conn, err := c.relay(ctx)
	if err != nil {
		return relayerr.New(relayerr.ErrForward, "publish "+note.ID, err)
	}
	if err := conn.Publish(ctx, note); err != nil {
		if !conn.IsConnected() {
			c.drop(conn)
		}
		return relayerr.New(relayerr.ErrForward, "publish "+note.ID, err)
	}
	c.logger.Debug("note published", "event_id", note.ID, "source_id", ev.ID)
	return nil
}

// Note returns the Nostr event published for ev. A payload that is already
// a validly signed Nostr event is republished unchanged; anything else is
// wrapped in a new note signed with the relay key, tagged with the hashtag.
func (c *Client) Note(ev relay.Event) (gonostr.Event, error) {
	var orig gonostr.Event
	if err := json.Unmarshal(ev.Raw, &orig); err == nil && orig.ID != "" && orig.Sig != "" {
		if ok, err := orig.CheckSignature(); err == nil && ok {
			return orig, nil
		}
	}

	created := gonostr.Now()
	if ev.CreatedAt > 0 {
		created = gonostr.Timestamp(ev.CreatedAt)
	}
	note := gonostr.Event{
		PubKey:    c.pubkey,
		CreatedAt: created,
		Kind:      c.cfg.Kind,
		Tags:      gonostr.Tags{{"t", c.cfg.Hashtag}},
		Content:   ev.Content,
	}
	if err := note.Sign(c.secret); err != nil {
		return gonostr.Event{}, relayerr.New(relayerr.ErrSerialization, "sign note", err)
	}
	return note, nil
}

// Close closes the relay connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ParseSecretKey accepts a 64-char hex key or a bech32 nsec and returns the
// hex form.
func ParseSecretKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", relayerr.Errorf(relayerr.ErrConfig, "nostr.priv_key is required")
	}
	if strings.HasPrefix(s, "nsec") {
		prefix, value, err := nip19.Decode(s)
		if err != nil || prefix != "nsec" {
			return "", relayerr.Errorf(relayerr.ErrConfig, "invalid nsec key")
		}
		hexKey, ok := value.(string)
		if !ok {
			return "", relayerr.Errorf(relayerr.ErrConfig, "invalid nsec key")
		}
		s = hexKey
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return "", relayerr.Errorf(relayerr.ErrConfig, "private key must be 32 bytes of hex or an nsec")
	}
	return strings.ToLower(s), nil
}
