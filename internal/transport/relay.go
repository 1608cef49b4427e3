package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/wakurelay/internal/relay"
	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

// Forwarder publishes relay events as Waku messages.
type Forwarder struct {
	t            Transport
	pubsubTopic  string
	contentTopic string
}

// NewForwarder returns a relay.Forwarder publishing on the given topics.
func NewForwarder(t Transport, pubsubTopic, contentTopic string) *Forwarder {
	return &Forwarder{t: t, pubsubTopic: pubsubTopic, contentTopic: contentTopic}
}

// Forward publishes ev.Raw. The message timestamp is taken from the event so
// a re-forwarded event hashes to the same Waku message.
func (f *Forwarder) Forward(ctx context.Context, ev relay.Event) error {
	payload := ev.Raw
	if len(payload) == 0 {
		payload = []byte(ev.Content)
	}
	_, err := f.t.Publish(ctx, Message{
		PubsubTopic:  f.pubsubTopic,
		ContentTopic: f.contentTopic,
		Payload:      payload,
		Timestamp:    int64(ev.CreatedAt) * int64(time.Second),
	})
	if err != nil {
		if errors.Is(err, relayerr.ErrSerialization) {
			return err
		}
		return relayerr.New(relayerr.ErrForward, "publish "+ev.ID, err)
	}
	return nil
}

// Stream adapts a transport subscription to relay.Stream.
type Stream struct {
	t            Transport
	pubsubTopic  string
	contentTopic string
	logger       *slog.Logger
}

// NewStream returns a relay.Stream over the given topics.
func NewStream(t Transport, pubsubTopic, contentTopic string, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{t: t, pubsubTopic: pubsubTopic, contentTopic: contentTopic, logger: logger}
}

// Subscribe opens a transport subscription and converts each message into
// an event keyed by its message hash.
func (s *Stream) Subscribe(ctx context.Context) (<-chan relay.Event, func(), error) {
	sub, err := s.t.Subscribe(ctx, s.pubsubTopic, s.contentTopic)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan relay.Event)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for m := range sub.C() {
			select {
			case out <- MessageEvent(m):
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}

// MessageEvent converts an inbound Waku message into a relay event. The
// event id is the message hash and CreatedAt is in seconds.
func MessageEvent(m Message) relay.Event {
	var created uint64
	if m.Timestamp > 0 {
		created = uint64(m.Timestamp / int64(time.Second))
	}
	return relay.Event{
		ID:        m.Hash(),
		CreatedAt: created,
		Content:   string(m.Payload),
		Tags:      [][]string{{"pubsub_topic", m.PubsubTopic}, {"content_topic", m.ContentTopic}},
		Raw:       m.Payload,
	}
}
