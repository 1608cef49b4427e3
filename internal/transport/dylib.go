package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

const retOK = 0

// nativeAPI is the subset of the libwaku C API the dylib backend uses.
// Every call reports its result asynchronously through the shared callback,
// tagged with userData.
type nativeAPI interface {
	wakuNew(configJSON string, userData uintptr) uintptr
	wakuStart(node, userData uintptr) int32
	wakuStop(node, userData uintptr) int32
	wakuDestroy(node, userData uintptr) int32
	wakuRelayPublish(node uintptr, pubsub, messageJSON string, timeoutMs uint32, userData uintptr) int32
	wakuRelaySubscribe(node uintptr, pubsub string, userData uintptr) int32
	wakuSetEventCallback(node, userData uintptr)
}

type callResult struct {
	ret int32
	msg []byte
}

// callbackRegistry routes native callbacks by userData. One-shot ids wait
// for a single call result; event ids belong to a node instance for its
// lifetime.
type callbackRegistry struct {
	mu     sync.Mutex
	next   uintptr
	calls  map[uintptr]chan callResult
	events map[uintptr]func([]byte)
}

var callbacks = &callbackRegistry{
	calls:  make(map[uintptr]chan callResult),
	events: make(map[uintptr]func([]byte)),
}

func (r *callbackRegistry) expect() (uintptr, <-chan callResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	ch := make(chan callResult, 1)
	r.calls[r.next] = ch
	return r.next, ch
}

func (r *callbackRegistry) forget(id uintptr) {
	r.mu.Lock()
	delete(r.calls, id)
	r.mu.Unlock()
}

func (r *callbackRegistry) onEvent(fn func([]byte)) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.events[r.next] = fn
	return r.next
}

func (r *callbackRegistry) dropEvents(id uintptr) {
	r.mu.Lock()
	delete(r.events, id)
	r.mu.Unlock()
}

// dispatchCallback is invoked by the native library, possibly from a
// foreign thread. It must not block.
func dispatchCallback(ret int32, msg []byte, userData uintptr) {
	callbacks.mu.Lock()
	ch, isCall := callbacks.calls[userData]
	if isCall {
		delete(callbacks.calls, userData)
	}
	fn := callbacks.events[userData]
	callbacks.mu.Unlock()

	switch {
	case isCall:
		ch <- callResult{ret: ret, msg: msg}
	case fn != nil && ret == retOK:
		fn(msg)
	}
}

// dylibTransport embeds a Waku node through libwaku.
type dylibTransport struct {
	cfg     Config
	logger  *slog.Logger
	api     nativeAPI
	node    uintptr
	eventID uintptr
	subs    *hub
	stats   stats

	// mu is held for reading across every native call on node and for
	// writing while the node is stopped and destroyed.
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func dialDylib(ctx context.Context, cfg Config, logger *slog.Logger) (*dylibTransport, error) {
	api, err := loadNative(cfg.WakuDylib)
	if err != nil {
		return nil, err
	}
	return newDylibTransport(ctx, cfg, api, logger)
}

func newDylibTransport(ctx context.Context, cfg Config, api nativeAPI, logger *slog.Logger) (*dylibTransport, error) {
	t := &dylibTransport{cfg: cfg, logger: logger, api: api, subs: newHub()}
	conf, err := nodeConfigJSON(cfg)
	if err != nil {
		return nil, relayerr.New(relayerr.ErrConfig, "encode node config", err)
	}

	err = connect(ctx, cfg, logger, func(ctx context.Context) error {
		id, ch := callbacks.expect()
		node := api.wakuNew(conf, id)
		if node == 0 {
			callbacks.forget(id)
			return fmt.Errorf("waku_new returned no context")
		}
		t.node = node
		if _, err := t.await(ctx, "waku_new", id, ch); err != nil {
			t.destroy()
			return err
		}
		if _, err := t.call(ctx, "waku_start", func(ud uintptr) int32 { return api.wakuStart(node, ud) }); err != nil {
			t.destroy()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.eventID = callbacks.onEvent(t.handleEvent)
	api.wakuSetEventCallback(t.node, t.eventID)
	t.stats.connected.Store(true)
	logger.Info("transport connected", "library", cfg.WakuDylib, "cluster_id", cfg.ClusterID)
	return t, nil
}

// call invokes fn with a fresh userData id and waits for its callback.
func (t *dylibTransport) call(ctx context.Context, op string, fn func(userData uintptr) int32) ([]byte, error) {
	id, ch := callbacks.expect()
	if ret := fn(id); ret != retOK {
		callbacks.forget(id)
		return nil, fmt.Errorf("%s returned %d", op, ret)
	}
	return t.await(ctx, op, id, ch)
}

func (t *dylibTransport) await(ctx context.Context, op string, id uintptr, ch <-chan callResult) ([]byte, error) {
	timer := time.NewTimer(t.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.ret != retOK {
			return nil, fmt.Errorf("%s failed (%d): %s", op, res.ret, res.msg)
		}
		return res.msg, nil
	case <-timer.C:
		callbacks.forget(id)
		return nil, fmt.Errorf("%s: no result after %s", op, t.cfg.PublishTimeout)
	case <-ctx.Done():
		callbacks.forget(id)
		return nil, ctx.Err()
	}
}

// nodeEvent is the JSON delivered to the event callback.
type nodeEvent struct {
	EventType   string   `json:"eventType"`
	MessageHash string   `json:"messageHash"`
	PubsubTopic string   `json:"pubsubTopic"`
	WakuMessage envelope `json:"wakuMessage"`
}

func (t *dylibTransport) handleEvent(data []byte) {
	var ev nodeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.logger.Debug("ignoring malformed node event", "error", err)
		return
	}
	if ev.EventType != "message" {
		return
	}
	m, err := ev.WakuMessage.message(ev.PubsubTopic)
	if err != nil {
		t.logger.Debug("ignoring undecodable message", "hash", ev.MessageHash, "error", err)
		return
	}
	t.subs.dispatch(m)
}

func (t *dylibTransport) Publish(ctx context.Context, m Message) (string, error) {
	node, release, ok := t.acquire()
	if !ok {
		return "", closedError("publish")
	}
	defer release()
	if err := checkTopics(m.PubsubTopic); err != nil {
		return "", err
	}
	body, err := EncodeEnvelope(m)
	if err != nil {
		return "", err
	}
	timeoutMs := uint32(t.cfg.PublishTimeout / time.Millisecond)
	res, err := t.call(ctx, "waku_relay_publish", func(ud uintptr) int32 {
		return t.api.wakuRelayPublish(node, m.PubsubTopic, string(body), timeoutMs, ud)
	})
	if err != nil {
		return "", transportError("publish", err)
	}
	if len(res) > 0 {
		return string(res), nil
	}
	return m.Hash(), nil
}

func (t *dylibTransport) Subscribe(ctx context.Context, pubsub, content string) (*Subscription, error) {
	node, release, ok := t.acquire()
	if !ok {
		return nil, closedError("subscribe")
	}
	defer release()
	if err := checkTopics(pubsub); err != nil {
		return nil, err
	}
	if _, err := t.call(ctx, "waku_relay_subscribe", func(ud uintptr) int32 {
		return t.api.wakuRelaySubscribe(node, pubsub, ud)
	}); err != nil {
		return nil, transportError("subscribe "+pubsub, err)
	}
	sub := newSubscription(pubsub, content, t.cfg.SubscriptionBuffer, &t.stats.dropped, t.logger)
	t.subs.add(sub)
	t.logger.Info("subscribed", "pubsub_topic", pubsub, "content_topic", content)
	return sub, nil
}

// acquire returns the live node and holds it until release is called.
// ok is false once Close has started.
func (t *dylibTransport) acquire() (node uintptr, release func(), ok bool) {
	t.mu.RLock()
	if t.closed || t.node == 0 {
		t.mu.RUnlock()
		return 0, nil, false
	}
	return t.node, t.mu.RUnlock, true
}

func (t *dylibTransport) Stats() Stats { return t.stats.snapshot(ModeDylib) }

// Close stops and destroys the node exactly once.
func (t *dylibTransport) Close() error {
	var err error
	t.once.Do(func() {
		callbacks.dropEvents(t.eventID)

		t.mu.Lock()
		t.closed = true
		node := t.node
		if node != 0 {
			if _, stopErr := t.call(context.Background(), "waku_stop", func(ud uintptr) int32 { return t.api.wakuStop(node, ud) }); stopErr != nil {
				t.logger.Warn("stopping waku node", "error", stopErr)
			}
		}
		err = t.destroy()
		t.mu.Unlock()

		t.subs.closeAll()
		t.stats.connected.Store(false)
		t.logger.Info("transport closed")
	})
	return err
}

// destroy frees the node. The caller holds t.mu or has not shared t yet.
func (t *dylibTransport) destroy() error {
	if t.node == 0 {
		return nil
	}
	node := t.node
	t.node = 0
	if _, err := t.call(context.Background(), "waku_destroy", func(ud uintptr) int32 { return t.api.wakuDestroy(node, ud) }); err != nil {
		return transportError("destroy", err)
	}
	return nil
}

// nodeConfig is the JSON accepted by waku_new.
type nodeConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Relay           bool     `json:"relay"`
	ClusterID       int      `json:"clusterId"`
	Shards          []int    `json:"shards,omitempty"`
	DNSDiscovery    bool     `json:"dnsDiscovery"`
	DNSDiscoveryURL string   `json:"dnsDiscoveryUrl,omitempty"`
	NodeKey         string   `json:"nodekey,omitempty"`
	StaticNodes     []string `json:"staticnodes,omitempty"`
}

func nodeConfigJSON(cfg Config) (string, error) {
	nc := nodeConfig{
		Host:            "0.0.0.0",
		Port:            60000,
		Relay:           true,
		ClusterID:       cfg.ClusterID,
		Shards:          cfg.Shards,
		DNSDiscovery:    cfg.DNSURL != "",
		DNSDiscoveryURL: cfg.DNSURL,
		NodeKey:         cfg.Key,
	}
	if cfg.NodeAddr != "" {
		nc.StaticNodes = []string{cfg.NodeAddr}
	}
	data, err := json.Marshal(nc)
	return string(data), err
}

var _ Transport = (*dylibTransport)(nil)
