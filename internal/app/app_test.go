package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/alfredjeanlab/wakurelay/internal/config"
	"github.com/alfredjeanlab/wakurelay/internal/cursor"
	"github.com/alfredjeanlab/wakurelay/internal/relay"
	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
	"github.com/alfredjeanlab/wakurelay/internal/transport"
)

const (
	testPubsub  = "/waku/2/rs/16/32"
	testContent = "/wakurelay/1/nostr/json"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNostr serves a fixed set of notes and records what b2a publishes.
type fakeNostr struct {
	mu        sync.Mutex
	events    []relay.Event
	forwarded []relay.Event
	closed    int
	panics    atomic.Int32
	hidden    atomic.Bool // serve nothing until cleared
}

func (f *fakeNostr) FetchSince(_ context.Context, since uint64, limit int) ([]relay.Event, error) {
	if f.panics.Load() > 0 {
		f.panics.Add(-1)
		panic("relay connection exploded")
	}
	if f.hidden.Load() {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []relay.Event
	for _, ev := range f.events {
		if ev.CreatedAt >= since && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeNostr) Forward(_ context.Context, ev relay.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, ev)
	return nil
}

func (f *fakeNostr) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeNostr) Forwarded() []relay.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.Event(nil), f.forwarded...)
}

// inviteSink counts webhook deliveries.
type inviteSink struct {
	mu     sync.Mutex
	bodies []string
}

func (s *inviteSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(b))
	s.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (s *inviteSink) Bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func testConfig(natsURL, inviteURL string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: "0"},
		Database: config.DatabaseConfig{DBURL: config.MemoryURL},
		Nostr:    config.NostrConfig{PrivKey: "unused", WSURL: "wss://relay.test"},
		Waku: config.WakuConfig{
			Mode:         transport.ModeNATS,
			NATSURL:      natsURL,
			PubsubTopic:  testPubsub,
			ContentTopic: testContent,
		},
		IndexDB: config.IndexDBConfig{InviteURL: inviteURL},
		Relay: config.RelayConfig{
			PollInterval: config.Duration(5 * time.Millisecond),
			RetryInitial: config.Duration(time.Millisecond),
			RetryMax:     config.Duration(2 * time.Millisecond),
			DrainTimeout: config.Duration(time.Second),
			RestartDelay: config.Duration(10 * time.Millisecond),
		},
	}
}

func inviteNote() relay.Event {
	content := `{"inviter":"alice","invitee":"bob","projectId":"p1","type":"invite"}`
	raw, _ := json.Marshal(map[string]any{"id": "e1", "created_at": 100, "content": content})
	return relay.Event{ID: "e1", CreatedAt: 100, PubKey: "pk", Kind: 1, Content: content, Raw: raw}
}

// startApp runs a and returns a stop function that cancels it and waits.
func startApp(t *testing.T, a *App) func() {
	t.Helper()
	if err := a.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run: %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("app did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx // test helper
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestApp_RelaysAllDirections(t *testing.T) {
	sinkSrv := &inviteSink{}
	hs := httptest.NewServer(sinkSrv)
	defer hs.Close()

	cfg := testConfig(startTestNATS(t), hs.URL)
	tc, err := transportConfig(cfg.Waku)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := transport.Dial(context.Background(), tc, quietLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	note := inviteNote()
	nc := &fakeNostr{events: []relay.Event{note}}
	nc.hidden.Store(true)
	store := cursor.NewMemoryStore()

	dirs := []relay.Direction{relay.NostrToWaku, relay.WakuToNostr, relay.NostrToIndex}
	a, err := Assemble(cfg, dirs, Components{Store: store, Transport: tr, Nostr: nc}, quietLogger())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	stop := startApp(t, a)

	// Core NATS does not replay, so publish only once b2a is listening.
	waitFor(t, "b2a subscription", func() bool {
		for _, p := range a.Health().Pipelines {
			if p.Direction == relay.WakuToNostr && p.State == relay.StateSubscribed {
				return true
			}
		}
		return false
	})
	nc.hidden.Store(false)

	// a2b publishes to Waku, b2a picks the message up and hands it to Nostr.
	waitFor(t, "b2a delivery", func() bool { return len(nc.Forwarded()) == 1 })
	waitFor(t, "index delivery", func() bool { return len(sinkSrv.Bodies()) == 1 })

	got := nc.Forwarded()[0]
	if string(got.Raw) != string(note.Raw) || got.CreatedAt != note.CreatedAt {
		t.Errorf("b2a forwarded %+v, want the a2b payload", got)
	}
	if !strings.Contains(sinkSrv.Bodies()[0], `"project":"p1"`) {
		t.Errorf("invite body = %s", sinkSrv.Bodies()[0])
	}

	base := "http://" + a.Addr().String()
	code, body := httpGet(t, base+"/healthz")
	if code != http.StatusOK {
		t.Fatalf("healthz = %d %s", code, body)
	}
	var h Health
	if err := json.Unmarshal([]byte(body), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || len(h.Pipelines) != 3 || h.Transport == nil || !h.Transport.Connected {
		t.Errorf("health = %+v", h)
	}
	waitFor(t, "watermarks at 100", func() bool {
		for _, p := range a.Health().Pipelines {
			if p.Watermark != 100 {
				return false
			}
		}
		return true
	})

	_, metrics := httpGet(t, base+"/metrics")
	for _, want := range []string{
		`relay_events_forwarded_total{direction="a2b"} 1`,
		`relay_events_forwarded_total{direction="b2a"} 1`,
		`relay_events_forwarded_total{direction="a2index"} 1`,
		"relay_transport_inbound_dropped_total 0",
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	stop()
	if nc.closed != 1 {
		t.Errorf("nostr closed %d times, want 1", nc.closed)
	}
	if _, err := store.Watermark(context.Background(), "a2b", 0); !errors.Is(err, relayerr.ErrPersistence) {
		t.Errorf("store still open after shutdown: %v", err)
	}
	if tr.Stats().Connected {
		t.Error("transport still connected after shutdown")
	}
}

func TestApp_RestartsPanickedPipeline(t *testing.T) {
	sinkSrv := &inviteSink{}
	hs := httptest.NewServer(sinkSrv)
	defer hs.Close()

	cfg := testConfig("", hs.URL)
	cfg.Server.Port = ""
	nc := &fakeNostr{events: []relay.Event{inviteNote()}}
	nc.panics.Store(1)

	a, err := Assemble(cfg, []relay.Direction{relay.NostrToIndex},
		Components{Store: cursor.NewMemoryStore(), Nostr: nc}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	startApp(t, a)

	waitFor(t, "delivery after restart", func() bool { return len(sinkSrv.Bodies()) == 1 })
	h := a.Health()
	if len(h.Pipelines) != 1 || h.Pipelines[0].Restarts != 1 {
		t.Fatalf("health = %+v, want one restart", h)
	}
	if h.Transport != nil {
		t.Errorf("index-only relay should not report a transport")
	}
}

func TestAssemble_NeedsTransport(t *testing.T) {
	cfg := testConfig("", "")
	_, err := Assemble(cfg, []relay.Direction{relay.WakuToNostr},
		Components{Store: cursor.NewMemoryStore(), Nostr: &fakeNostr{}}, quietLogger())
	if err == nil {
		t.Fatal("expected error for b2a without a transport")
	}
}

func TestAssemble_RESTModeUsesSendAPI(t *testing.T) {
	var posts atomic.Int32
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer hs.Close()

	cfg := testConfig("", "")
	cfg.Server.Port = ""
	cfg.Waku.Mode = transport.ModeREST
	cfg.Waku.SendAPI = hs.URL
	a, err := Assemble(cfg, []relay.Direction{relay.NostrToWaku},
		Components{Store: cursor.NewMemoryStore(), Nostr: &fakeNostr{events: []relay.Event{inviteNote()}}}, quietLogger())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	startApp(t, a)
	waitFor(t, "send API post", func() bool { return posts.Load() == 1 })
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("", "")
	cfg.Nostr.PrivKey = ""
	_, err := New(context.Background(), cfg, []relay.Direction{relay.NostrToIndex}, quietLogger())
	if !errors.Is(err, relayerr.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestTransportConfig(t *testing.T) {
	tc, err := transportConfig(config.WakuConfig{
		Mode:           transport.ModeDylib,
		WakuDylib:      "libwaku.so",
		ClusterID:      16,
		Shared:         "32,33",
		PublishTimeout: config.Duration(3 * time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
	if tc.ClusterID != 16 || len(tc.Shards) != 2 || tc.Shards[1] != 33 || tc.PublishTimeout != 3*time.Second {
		t.Fatalf("transport config = %+v", tc)
	}
	if _, err := transportConfig(config.WakuConfig{Shared: "x"}); !errors.Is(err, relayerr.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}
