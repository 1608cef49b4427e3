// Package app wires the relay together: one cursor store, one transport
// shared by the Waku directions, one Nostr client, and a supervised
// pipeline per selected direction.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alfredjeanlab/wakurelay/internal/checkpoint"
	"github.com/alfredjeanlab/wakurelay/internal/config"
	"github.com/alfredjeanlab/wakurelay/internal/cursor"
	"github.com/alfredjeanlab/wakurelay/internal/cursor/postgres"
	"github.com/alfredjeanlab/wakurelay/internal/nostr"
	"github.com/alfredjeanlab/wakurelay/internal/relay"
	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
	"github.com/alfredjeanlab/wakurelay/internal/sink"
	"github.com/alfredjeanlab/wakurelay/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// NostrClient is the part of *nostr.Client the relay uses: a source for
// the polling directions and a forwarder for b2a.
type NostrClient interface {
	relay.Source
	relay.Forwarder
	Close() error
}

// Components are the long-lived resources an App owns and closes.
// Transport is nil when no selected direction touches Waku.
type Components struct {
	Store     cursor.Store
	Transport transport.Transport
	Nostr     NostrClient
}

// App runs the selected directions until its context is cancelled.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	comp   Components

	registry *prometheus.Registry
	metrics  *relay.Metrics
	restarts *prometheus.CounterVec
	runners  []*runner

	listener net.Listener
	server   *http.Server

	closeOnce sync.Once
}

// New validates cfg for dirs and connects every component. Configuration,
// store and transport failures are returned before anything runs.
func New(ctx context.Context, cfg *config.Config, dirs []relay.Direction, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(dirs); err != nil {
		return nil, err
	}

	var comp Components
	fail := func(err error) (*App, error) {
		closeComponents(comp, logger)
		return nil, err
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fail(err)
	}
	comp.Store = store

	nc, err := nostr.Dial(ctx, nostr.Config{
		PrivKey:      cfg.Nostr.PrivKey,
		URL:          cfg.Nostr.WSURL,
		Hashtag:      cfg.Nostr.Hashtag,
		Kind:         cfg.Nostr.Kind,
		FetchTimeout: cfg.Nostr.FetchTimeout.D(),
	}, logger)
	if err != nil {
		return fail(err)
	}
	comp.Nostr = nc

	if cfg.UsesTransport(dirs) {
		tc, err := transportConfig(cfg.Waku)
		if err != nil {
			return fail(err)
		}
		t, err := transport.Dial(ctx, tc, logger)
		if err != nil {
			return fail(err)
		}
		comp.Transport = t
	}

	return Assemble(cfg, dirs, comp, logger)
}

// Assemble builds an App around already connected components.
func Assemble(cfg *config.Config, dirs []relay.Direction, comp Components, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		comp:     comp,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = relay.NewMetrics(a.registry)
	a.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_pipeline_restarts_total",
		Help: "Pipelines restarted after an error or panic.",
	}, []string{"direction"})
	a.registry.MustRegister(a.restarts)
	if comp.Transport != nil {
		a.registerTransportMetrics(comp.Transport)
	}

	for _, d := range dirs {
		build, err := a.builder(d)
		if err != nil {
			return nil, err
		}
		a.runners = append(a.runners, &runner{direction: d, build: build})
	}
	return a, nil
}

func (a *App) registerTransportMetrics(t transport.Transport) {
	a.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "relay_transport_inbound_dropped_total",
			Help: "Inbound Waku messages dropped because a subscription buffer was full.",
		}, func() float64 { return float64(t.Stats().InboundDropped) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "relay_transport_reconnects_total",
			Help: "Transport reconnections.",
		}, func() float64 { return float64(t.Stats().Reconnects) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_transport_connected",
			Help: "1 while the transport is connected.",
		}, func() float64 {
			if t.Stats().Connected {
				return 1
			}
			return 0
		}),
	)
}

// builder returns a constructor for fresh pipelines of direction d. A
// pipeline runs once, so every restart builds a new one on the same cursor.
func (a *App) builder(d relay.Direction) (func() *relay.Pipeline, error) {
	cfg := a.pipelineConfig(d)
	cur := cursor.For(a.comp.Store, string(d))
	logger := a.logger
	w := a.cfg.Waku

	switch d {
	case relay.NostrToWaku:
		var fwd relay.Forwarder
		if w.Mode == transport.ModeREST {
			fwd = sink.NewWebhook(w.SendAPI, sink.WakuEnvelope{ContentTopic: w.ContentTopic}, 0, logger)
		} else {
			if a.comp.Transport == nil {
				return nil, fmt.Errorf("direction %s needs a transport", d)
			}
			fwd = transport.NewForwarder(a.comp.Transport, w.PubsubTopic, w.ContentTopic)
		}
		return func() *relay.Pipeline {
			return relay.NewPolling(cfg, cur, a.comp.Nostr, fwd, logger).WithMetrics(a.metrics)
		}, nil

	case relay.WakuToNostr:
		if a.comp.Transport == nil {
			return nil, fmt.Errorf("direction %s needs a transport", d)
		}
		stream := transport.NewStream(a.comp.Transport, w.PubsubTopic, w.ContentTopic, logger)
		return func() *relay.Pipeline {
			return relay.NewStreaming(cfg, cur, stream, a.comp.Nostr, logger).WithMetrics(a.metrics)
		}, nil

	case relay.NostrToIndex:
		fwd := sink.NewWebhook(a.cfg.IndexDB.InviteURL, sink.IndexInvite{}, 0, logger)
		return func() *relay.Pipeline {
			return relay.NewPolling(cfg, cur, a.comp.Nostr, fwd, logger).WithMetrics(a.metrics)
		}, nil
	}
	return nil, fmt.Errorf("unknown direction %q", d)
}

func (a *App) pipelineConfig(d relay.Direction) relay.Config {
	r := a.cfg.Relay
	return relay.Config{
		Direction:        d,
		PollInterval:     r.PollInterval.D(),
		FetchLimit:       a.cfg.Nostr.FetchLimit,
		ChannelCapacity:  r.ChannelCapacity,
		InitialWatermark: r.InitialWatermark,
		ForwardAttempts:  r.ForwardAttempts,
		RetryInitial:     r.RetryInitial.D(),
		RetryMax:         r.RetryMax.D(),
		FetchBackoffMax:  r.FetchBackoffMax.D(),
		DrainTimeout:     r.DrainTimeout.D(),
	}
}

// Registry exposes the metrics registry served on /metrics.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Addr returns the health server's listen address once Run has bound it.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Listen binds the health/metrics server if one is configured. Run calls
// it when it has not been called yet.
func (a *App) Listen() error {
	addr := a.cfg.Server.Addr()
	if addr == "" || a.listener != nil {
		return nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	a.listener = lis
	return nil
}

// Run starts the pipelines, the checkpoint scheduler and the HTTP server,
// and blocks until ctx is cancelled. It then shuts down in order:
// pipelines, checkpoint, HTTP server, transport, Nostr client, store.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	if err := a.Listen(); err != nil {
		return err
	}

	if a.listener != nil {
		a.server = &http.Server{Handler: a.handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			a.logger.Info("HTTP server listening", "addr", a.listener.Addr().String())
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("HTTP server error", "err", err)
			}
		}()
	}

	scheduler := a.startCheckpoints(ctx)

	var wg sync.WaitGroup
	for _, r := range a.runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.supervise(ctx, r)
		}()
	}
	a.logger.Info("relay started", "directions", len(a.runners))

	<-ctx.Done()
	a.logger.Info("shutting down")

	wg.Wait()
	a.logger.Info("pipelines stopped")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
		a.logger.Info("checkpoint scheduler stopped")
	}
	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP server shutdown error", "err", err)
		}
		a.logger.Info("HTTP server stopped")
	}
	return nil
}

func (a *App) startCheckpoints(ctx context.Context) *checkpoint.Scheduler {
	cc := a.cfg.Checkpoint
	if cc.S3Bucket == "" {
		return nil
	}
	dest, err := checkpoint.NewS3Destination(ctx, checkpoint.S3Options{
		Bucket:   cc.S3Bucket,
		Key:      cc.S3Key,
		Region:   cc.S3Region,
		Endpoint: cc.S3Endpoint,
		History:  cc.S3History,
	})
	if err != nil {
		a.logger.Error("failed to create S3 checkpoint destination", "err", err)
		return nil
	}
	s := checkpoint.NewScheduler(a.comp.Store, []checkpoint.Destination{dest}, cc.Interval.D(), a.logger)
	s.Start(ctx)
	a.logger.Info("checkpoint scheduler started", "bucket", cc.S3Bucket, "key", cc.S3Key, "history", cc.S3History, "interval", cc.Interval)
	return s
}

// Close releases the components exactly once. Run calls it on return.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.listener != nil && a.server == nil {
			_ = a.listener.Close()
		}
		closeComponents(a.comp, a.logger)
		a.logger.Info("shutdown complete")
	})
}

func closeComponents(c Components, logger *slog.Logger) {
	if c.Transport != nil {
		if err := c.Transport.Close(); err != nil {
			logger.Error("error closing transport", "err", err)
		}
	}
	if c.Nostr != nil {
		if err := c.Nostr.Close(); err != nil {
			logger.Error("error closing nostr client", "err", err)
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}
	}
}

func openStore(ctx context.Context, db config.DatabaseConfig) (cursor.Store, error) {
	if db.DBURL == config.MemoryURL {
		return cursor.NewMemoryStore(), nil
	}
	s, err := postgres.New(ctx, postgres.Options{
		URL:            db.DBURL,
		MaxOpenConns:   db.MaxConnectPool,
		MinIdleConns:   db.MinConnectPool,
		ConnectTimeout: db.ConnectTimeout.D(),
		QueryTimeout:   db.AcquireTimeout.D(),
	})
	if err != nil {
		return nil, relayerr.New(relayerr.ErrPersistence, "open cursor store", err)
	}
	return s, nil
}

func transportConfig(w config.WakuConfig) (transport.Config, error) {
	shards, err := w.Shards()
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		Mode:               w.Mode,
		PubsubTopic:        w.PubsubTopic,
		ContentTopic:       w.ContentTopic,
		NodeURL:            w.NodeURL,
		WakuBin:            w.WakuBin,
		WakuArgs:           w.WakuArgs,
		WakuDylib:          w.WakuDylib,
		NodeAddr:           w.NodeAddr,
		ClusterID:          w.ClusterID,
		Shards:             shards,
		DNSURL:             w.DNSURL,
		Key:                w.Key,
		NATSURL:            w.NATSURL,
		SubjectPrefix:      w.SubjectPrefix,
		ConnectAttempts:    w.ConnectAttempts,
		ReconnectMax:       w.ReconnectMax.D(),
		PublishTimeout:     w.PublishTimeout.D(),
		SubscriptionBuffer: w.SubscriptionBuffer,
	}, nil
}
