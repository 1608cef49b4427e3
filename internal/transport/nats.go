package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// natsTransport carries Waku envelopes over NATS subjects of the form
// <prefix>.<pubsub>.<content>.
type natsTransport struct {
	cfg    Config
	logger *slog.Logger
	conn   *nats.Conn
	policy *reconnectPolicy
	subs   *hub
	stats  stats
	once   sync.Once
}

func dialNATS(ctx context.Context, cfg Config, logger *slog.Logger) (*natsTransport, error) {
	t := &natsTransport{
		cfg:    cfg,
		logger: logger,
		policy: newReconnectPolicy(cfg.ReconnectMax),
		subs:   newHub(),
	}
	opts := []nats.Option{
		nats.Name("wakurelay"),
		nats.MaxReconnects(-1),
		// Publishing while disconnected fails instead of buffering, so the
		// relay pipeline sees the error and retries.
		nats.ReconnectBufSize(-1),
		nats.CustomReconnectDelay(func(int) time.Duration { return t.policy.Next() }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.stats.connected.Store(false)
			t.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.policy.Reset()
			t.stats.connected.Store(true)
			t.stats.reconnects.Add(1)
			t.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.stats.connected.Store(false)
		}),
	}

	err := connect(ctx, cfg, logger, func(context.Context) error {
		nc, err := nats.Connect(cfg.NATSURL, opts...)
		if err != nil {
			return fmt.Errorf("connecting to NATS at %s: %w", cfg.NATSURL, err)
		}
		t.conn = nc
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.stats.connected.Store(true)
	logger.Info("transport connected", "url", t.conn.ConnectedUrl())
	return t, nil
}

func (t *natsTransport) Publish(ctx context.Context, m Message) (string, error) {
	if t.conn.IsClosed() {
		return "", closedError("publish")
	}
	if !t.conn.IsConnected() {
		return "", disconnected("publish")
	}
	if err := checkTopics(m.PubsubTopic); err != nil {
		return "", err
	}
	data, err := EncodeEnvelope(m)
	if err != nil {
		return "", err
	}

	id := m.Hash()
	msg := nats.NewMsg(subject(t.cfg.SubjectPrefix, m.PubsubTopic, m.ContentTopic))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, id)
	if err := t.conn.PublishMsg(msg); err != nil {
		if errors.Is(err, nats.ErrReconnectBufExceeded) || errors.Is(err, nats.ErrConnectionReconnecting) {
			return "", disconnected("publish")
		}
		return "", transportError("publish", err)
	}

	// Flush so the publish is acknowledged by the server before the event
	// counts as forwarded.
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PublishTimeout)
	defer cancel()
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return "", transportError("flush publish", err)
	}
	return id, nil
}

func (t *natsTransport) Subscribe(_ context.Context, pubsub, content string) (*Subscription, error) {
	if t.conn.IsClosed() {
		return nil, closedError("subscribe")
	}
	if err := checkTopics(pubsub); err != nil {
		return nil, err
	}
	sub := newSubscription(pubsub, content, t.cfg.SubscriptionBuffer, &t.stats.dropped, t.logger)
	topic := subject(t.cfg.SubjectPrefix, pubsub, content)

	ns, err := t.conn.Subscribe(topic, func(msg *nats.Msg) {
		m, err := DecodeEnvelope(pubsub, msg.Data)
		if err != nil {
			t.logger.Debug("ignoring malformed message", "subject", msg.Subject, "error", err)
			return
		}
		sub.deliver(m)
	})
	if err != nil {
		return nil, transportError("subscribe "+topic, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := t.conn.Flush(); err != nil {
		_ = ns.Unsubscribe()
		return nil, transportError("flush subscription", err)
	}
	sub.onClose = func() { _ = ns.Unsubscribe() }
	t.subs.add(sub)
	t.logger.Info("subscribed", "subject", topic)
	return sub, nil
}

func (t *natsTransport) Stats() Stats { return t.stats.snapshot(ModeNATS) }

func (t *natsTransport) Close() error {
	t.once.Do(func() {
		t.subs.closeAll()
		t.conn.Close()
		t.stats.connected.Store(false)
		t.logger.Info("transport closed")
	})
	return nil
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// subject maps Waku topics onto a NATS subject. An empty content topic
// becomes a wildcard token.
func subject(prefix, pubsub, content string) string {
	c := "*"
	if content != "" {
		c = token(content)
	}
	return prefix + "." + token(pubsub) + "." + c
}

func token(s string) string {
	s = subjectReplacer.Replace(s)
	if s == "" {
		return "_"
	}
	return s
}

var _ Transport = (*natsTransport)(nil)
