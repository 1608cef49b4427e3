package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

const (
	testPubsub  = "/waku/2/rs/16/32"
	testContent = "/wakurelay/1/nostr/json"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startNATSOnPort starts an embedded NATS server. Port -1 picks a free port.
func startNATSOnPort(t *testing.T, port int) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: port}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv
}

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	return startNATSOnPort(t, -1).ClientURL()
}

func natsConfig(url string) Config {
	return Config{
		Mode:            ModeNATS,
		NATSURL:         url,
		PubsubTopic:     testPubsub,
		ContentTopic:    testContent,
		ConnectAttempts: 2,
		ReconnectMax:    50 * time.Millisecond,
		PublishTimeout:  2 * time.Second,
	}
}

func dialTest(t *testing.T, cfg Config) Transport {
	t.Helper()
	tr, err := Dial(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestNATSTransport_PublishSubscribe(t *testing.T) {
	url := startTestNATS(t)
	pub := dialTest(t, natsConfig(url))
	sub := dialTest(t, natsConfig(url))

	s, err := sub.Subscribe(context.Background(), testPubsub, testContent)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Observe the raw NATS message to check the dedup header.
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting observer: %v", err)
	}
	defer nc.Close()
	raw := make(chan *nats.Msg, 1)
	rawSub, err := nc.ChanSubscribe("waku.>", raw)
	if err != nil {
		t.Fatalf("observer subscribe: %v", err)
	}
	defer rawSub.Unsubscribe() //nolint:errcheck
	nc.Flush()

	msg := Message{
		PubsubTopic:  testPubsub,
		ContentTopic: testContent,
		Payload:      []byte(`{"id":"abc","kind":1}`),
		Timestamp:    1733300000 * int64(time.Second),
	}
	id, err := pub.Publish(context.Background(), msg)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != msg.Hash() {
		t.Errorf("Publish id = %s, want %s", id, msg.Hash())
	}

	got := receive(t, s)
	if string(got.Payload) != string(msg.Payload) || got.Hash() != id {
		t.Errorf("received %+v, want hash %s", got, id)
	}

	select {
	case m := <-raw:
		if h := m.Header.Get(nats.MsgIdHdr); h != id {
			t.Errorf("%s header = %q, want %q", nats.MsgIdHdr, h, id)
		}
		if want := "waku./waku/2/rs/16/32./wakurelay/1/nostr/json"; m.Subject != want {
			t.Errorf("subject = %q, want %q", m.Subject, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not see the publish")
	}
}

func TestNATSTransport_ContentFilter(t *testing.T) {
	url := startTestNATS(t)
	tr := dialTest(t, natsConfig(url))

	s, err := tr.Subscribe(context.Background(), testPubsub, testContent)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	other := Message{PubsubTopic: testPubsub, ContentTopic: "/other/1/x/proto", Payload: []byte("nope"), Timestamp: 1}
	mine := Message{PubsubTopic: testPubsub, ContentTopic: testContent, Payload: []byte("yes"), Timestamp: 2}
	for _, m := range []Message{other, mine} {
		if _, err := tr.Publish(context.Background(), m); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if got := receive(t, s); string(got.Payload) != "yes" {
		t.Fatalf("payload = %q, want yes", got.Payload)
	}
}

func TestNATSTransport_ReconnectsAfterServerRestart(t *testing.T) {
	srv := startNATSOnPort(t, -1)
	port := srv.Addr().(*net.TCPAddr).Port
	tr := dialTest(t, natsConfig(srv.ClientURL()))

	s, err := tr.Subscribe(context.Background(), testPubsub, testContent)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	srv.Shutdown()
	waitUntil(t, "disconnect", func() bool { return !tr.Stats().Connected })

	_, err = tr.Publish(context.Background(), Message{PubsubTopic: testPubsub, ContentTopic: testContent, Payload: []byte("x")})
	if !errors.Is(err, relayerr.ErrTransport) || !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Publish while disconnected: err = %v, want ErrTransport wrapping ErrDisconnected", err)
	}
	if !relayerr.Retryable(err) {
		t.Error("disconnected publish should be retryable")
	}

	startNATSOnPort(t, port)
	waitUntil(t, "reconnect", func() bool { return tr.Stats().Connected })
	if got := tr.Stats().Reconnects; got < 1 {
		t.Errorf("reconnects = %d, want >= 1", got)
	}

	// The subscription survives the reconnect.
	waitUntil(t, "delivery after reconnect", func() bool {
		m := Message{PubsubTopic: testPubsub, ContentTopic: testContent, Payload: []byte("after"), Timestamp: time.Now().UnixNano()}
		if _, err := tr.Publish(context.Background(), m); err != nil {
			return false
		}
		select {
		case got := <-s.C():
			return string(got.Payload) == "after"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	})
}

func TestNATSTransport_CloseIsIdempotent(t *testing.T) {
	url := startTestNATS(t)
	tr, err := Dial(context.Background(), natsConfig(url), quietLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	s, err := tr.Subscribe(context.Background(), testPubsub, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := tr.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if _, ok := <-s.C(); ok {
		t.Fatal("subscription channel should be closed after transport Close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("closing subscription after transport: %v", err)
	}
	if _, err := tr.Publish(context.Background(), Message{PubsubTopic: testPubsub}); !errors.Is(err, relayerr.ErrTransport) {
		t.Fatalf("Publish after Close: err = %v, want ErrTransport", err)
	}
}

func TestDial_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := natsConfig("nats://" + addr)
	cfg.ReconnectMax = 5 * time.Millisecond
	_, err = Dial(context.Background(), cfg, quietLogger())
	if !errors.Is(err, relayerr.ErrTransportConnect) {
		t.Fatalf("err = %v, want ErrTransportConnect", err)
	}
}

func TestDial_ConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"NATSWithoutURL", Config{Mode: ModeNATS}},
		{"ProcessWithoutBinary", Config{Mode: ModeProcess, NodeURL: "http://127.0.0.1:8645"}},
		{"DylibWithoutLibrary", Config{Mode: ModeDylib}},
		{"RESTHasNoTransport", Config{Mode: ModeREST}},
		{"UnknownMode", Config{Mode: "carrier-pigeon"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Dial(context.Background(), tc.cfg, quietLogger())
			if !errors.Is(err, relayerr.ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	for _, tc := range []struct {
		pubsub, content, want string
	}{
		{"/waku/2/rs/16/32", "/app/1/chat/proto", "waku./waku/2/rs/16/32./app/1/chat/proto"},
		{"topic.with.dots", "a*b>c d", "waku.topic_with_dots.a_b_c_d"},
		{"/waku/2/default-waku/proto", "", "waku./waku/2/default-waku/proto.*"},
	} {
		if got := subject("waku", tc.pubsub, tc.content); got != tc.want {
			t.Errorf("subject(%q, %q) = %q, want %q", tc.pubsub, tc.content, got, tc.want)
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
