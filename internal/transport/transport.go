// Package transport connects the relay to the Waku network. A Transport
// publishes and subscribes Waku messages through one of several backends:
// a NATS bus, a managed node subprocess, or the libwaku shared library.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

// Backend names accepted in Config.Mode.
const (
	ModeNATS    = "nats"
	ModeProcess = "process"
	ModeDylib   = "dylib"
	// ModeREST has no transport: a2b forwards through the node's send API.
	ModeREST = "rest"
)

// ErrDisconnected is wrapped in ErrTransport errors returned while the
// backend is reconnecting.
var ErrDisconnected = errors.New("transport disconnected")

var errClosed = errors.New("transport closed")

// Transport publishes and subscribes Waku messages.
type Transport interface {
	// Publish sends m and returns its message hash.
	Publish(ctx context.Context, m Message) (string, error)
	// Subscribe delivers messages on pubsubTopic. An empty contentTopic
	// matches every content topic.
	Subscribe(ctx context.Context, pubsubTopic, contentTopic string) (*Subscription, error)
	// Stats reports connection health and counters.
	Stats() Stats
	// Close releases the backend. It is safe to call more than once.
	Close() error
}

// Stats is a snapshot of transport health.
type Stats struct {
	Mode           string `json:"mode"`
	Connected      bool   `json:"connected"`
	Reconnects     uint64 `json:"reconnects"`
	InboundDropped uint64 `json:"inbound_dropped"`
}

// Config selects and tunes a backend.
type Config struct {
	Mode         string
	PubsubTopic  string
	ContentTopic string

	// process
	NodeURL  string
	WakuBin  string
	WakuArgs []string

	// dylib
	WakuDylib string
	NodeAddr  string
	ClusterID int
	Shards    []int
	DNSURL    string
	Key       string

	// nats
	NATSURL       string
	SubjectPrefix string

	ConnectAttempts    int
	ReconnectMax       time.Duration
	PublishTimeout     time.Duration
	SubscriptionBuffer int
}

const (
	defaultConnectAttempts    = 5
	defaultReconnectMax       = 30 * time.Second
	defaultPublishTimeout     = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubjectPrefix      = "waku"
)

func (c Config) withDefaults() Config {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = defaultConnectAttempts
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.SubscriptionBuffer <= 0 {
		c.SubscriptionBuffer = defaultSubscriptionBuffer
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultSubjectPrefix
	}
	return c
}

// Dial connects the backend named by cfg.Mode, trying up to
// cfg.ConnectAttempts times. Exhausting the attempts yields an
// ErrTransportConnect error.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	logger = logger.With("transport", cfg.Mode)

	switch cfg.Mode {
	case ModeNATS:
		if cfg.NATSURL == "" {
			return nil, relayerr.Errorf(relayerr.ErrConfig, "waku.nats_url is required in nats mode")
		}
		return dialNATS(ctx, cfg, logger)
	case ModeProcess:
		if cfg.WakuBin == "" || cfg.NodeURL == "" {
			return nil, relayerr.Errorf(relayerr.ErrConfig, "waku.waku_bin and waku.node_url are required in process mode")
		}
		return dialProcess(ctx, cfg, logger)
	case ModeDylib:
		if cfg.WakuDylib == "" {
			return nil, relayerr.Errorf(relayerr.ErrConfig, "waku.waku_dylib is required in dylib mode")
		}
		return dialDylib(ctx, cfg, logger)
	case ModeREST:
		return nil, relayerr.Errorf(relayerr.ErrConfig, "waku mode %q has no subscribe transport", cfg.Mode)
	}
	return nil, relayerr.Errorf(relayerr.ErrConfig, "unknown waku mode %q", cfg.Mode)
}

// stats holds the counters behind Transport.Stats.
type stats struct {
	connected  atomic.Bool
	reconnects atomic.Uint64
	dropped    atomic.Uint64
}

func (s *stats) snapshot(mode string) Stats {
	return Stats{
		Mode:           mode,
		Connected:      s.connected.Load(),
		Reconnects:     s.reconnects.Load(),
		InboundDropped: s.dropped.Load(),
	}
}

func disconnected(op string) error {
	return relayerr.New(relayerr.ErrTransport, op, ErrDisconnected)
}

func closedError(op string) error {
	return relayerr.New(relayerr.ErrTransport, op, errClosed)
}

func transportError(op string, err error) error {
	return relayerr.New(relayerr.ErrTransport, op, err)
}

func checkTopics(pubsub string) error {
	if pubsub == "" {
		return relayerr.Errorf(relayerr.ErrConfig, "pubsub topic is required")
	}
	return nil
}

func describe(cfg Config) string {
	switch cfg.Mode {
	case ModeNATS:
		return cfg.NATSURL
	case ModeProcess:
		return fmt.Sprintf("%s (%s)", cfg.WakuBin, cfg.NodeURL)
	case ModeDylib:
		return cfg.WakuDylib
	}
	return cfg.Mode
}
