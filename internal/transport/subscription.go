package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscription delivers inbound messages on an owned bounded channel.
// Backends hand messages over without blocking; when the channel is full
// the message is dropped and counted.
type Subscription struct {
	PubsubTopic  string
	ContentTopic string

	ch      chan Message
	dropped *atomic.Uint64
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	once    sync.Once
	onClose func()
}

func newSubscription(pubsub, content string, buffer int, dropped *atomic.Uint64, logger *slog.Logger) *Subscription {
	return &Subscription{
		PubsubTopic:  pubsub,
		ContentTopic: content,
		ch:           make(chan Message, buffer),
		dropped:      dropped,
		logger:       logger,
	}
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Message { return s.ch }

func (s *Subscription) matches(m Message) bool {
	if m.PubsubTopic != s.PubsubTopic {
		return false
	}
	return s.ContentTopic == "" || m.ContentTopic == s.ContentTopic
}

// deliver hands m to the channel without blocking. It reports false when
// the subscription is closed or the message was dropped.
func (s *Subscription) deliver(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- m:
		return true
	default:
		s.dropped.Add(1)
		s.logger.Warn("inbound message dropped, subscription buffer full",
			"pubsub_topic", m.PubsubTopic, "content_topic", m.ContentTopic, "hash", m.Hash())
		return false
	}
}

// Close unregisters the subscription and closes its channel. Messages still
// buffered are discarded.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		for {
			select {
			case <-s.ch:
			default:
				close(s.ch)
				return
			}
		}
	})
	return nil
}

// hub tracks the live subscriptions of a backend and fans inbound messages
// out to the matching ones.
type hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) add(s *Subscription) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	prev := s.onClose
	s.onClose = func() {
		if prev != nil {
			prev()
		}
		h.remove(s)
	}
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *hub) snapshot() []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		out = append(out, s)
	}
	return out
}

func (h *hub) dispatch(m Message) {
	for _, s := range h.snapshot() {
		if s.matches(m) {
			s.deliver(m)
		}
	}
}

// closeAll closes every live subscription so readers observe the end of
// the stream.
func (h *hub) closeAll() {
	for _, s := range h.snapshot() {
		_ = s.Close()
	}
}

func (h *hub) topics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range h.snapshot() {
		if !seen[s.PubsubTopic] {
			seen[s.PubsubTopic] = true
			out = append(out, s.PubsubTopic)
		}
	}
	return out
}
