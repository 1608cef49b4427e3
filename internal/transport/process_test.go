package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

// TestHelperProcess is not a real test. It stands in for the Waku node
// binary when re-executed by the process transport.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("WAKURELAY_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "helper: missing mode")
		os.Exit(2)
	}
	mode, lines := args[1], args[2:]

	fmt.Println("node starting")
	switch mode {
	case "emit":
		// Repeat until killed so late subscribers still see the lines.
		for {
			for _, l := range lines {
				fmt.Println(l)
			}
			time.Sleep(20 * time.Millisecond)
		}
	case "exit":
		time.Sleep(100 * time.Millisecond)
		os.Exit(1)
	}
	os.Exit(0)
}

// fakeNode serves the node REST endpoints the process transport calls.
type fakeNode struct {
	mu        sync.Mutex
	published []string
	paths     []string
	subscribe int
	status    int
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	path := r.URL.EscapedPath()
	switch {
	case r.Method == http.MethodGet && path == "/health":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && path == "/relay/v1/subscriptions":
		n.subscribe++
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/relay/v1/messages/"):
		if n.status != 0 {
			http.Error(w, "no peers", n.status)
			return
		}
		body, _ := io.ReadAll(r.Body)
		n.published = append(n.published, string(body))
		n.paths = append(n.paths, path)
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func processConfig(t *testing.T, nodeURL, mode string, lines ...string) Config {
	t.Helper()
	t.Setenv("WAKURELAY_WANT_HELPER_PROCESS", "1")
	return Config{
		Mode:            ModeProcess,
		NodeURL:         nodeURL,
		WakuBin:         os.Args[0],
		WakuArgs:        append([]string{"-test.run=TestHelperProcess", "--", mode}, lines...),
		PubsubTopic:     testPubsub,
		ContentTopic:    testContent,
		ConnectAttempts: 2,
		ReconnectMax:    50 * time.Millisecond,
		PublishTimeout:  2 * time.Second,
	}
}

func TestProcessTransport_ReceivesNodeOutput(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()

	msg := Message{PubsubTopic: testPubsub, ContentTopic: testContent, Payload: []byte("from waku"), Timestamp: 9}
	env, err := EncodeEnvelope(msg)
	if err != nil {
		t.Fatal(err)
	}
	tr := dialTest(t, processConfig(t, srv.URL, "emit", "not json", string(env)))

	s, err := tr.Subscribe(context.Background(), testPubsub, testContent)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	got := receive(t, s)
	if got.Hash() != msg.Hash() {
		t.Fatalf("received %+v, want %+v", got, msg)
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if node.subscribe < 1 {
		t.Error("expected a relay subscription call")
	}
}

func TestProcessTransport_PublishUsesRESTAPI(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()
	tr := dialTest(t, processConfig(t, srv.URL, "emit"))

	msg := Message{PubsubTopic: testPubsub, ContentTopic: testContent, Payload: []byte("hello"), Timestamp: 1}
	id, err := tr.Publish(context.Background(), msg)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != msg.Hash() {
		t.Errorf("id = %s, want %s", id, msg.Hash())
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if len(node.paths) != 1 || node.paths[0] != "/relay/v1/messages/%2Fwaku%2F2%2Frs%2F16%2F32" {
		t.Fatalf("paths = %v", node.paths)
	}
	if !strings.Contains(node.published[0], `"payload":"aGVsbG8="`) {
		t.Errorf("body = %s", node.published[0])
	}
}

func TestProcessTransport_PublishRejected(t *testing.T) {
	node := &fakeNode{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(node)
	defer srv.Close()
	tr := dialTest(t, processConfig(t, srv.URL, "emit"))

	_, err := tr.Publish(context.Background(), Message{PubsubTopic: testPubsub, ContentTopic: testContent})
	if !errors.Is(err, relayerr.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want status code in message", err)
	}
}

func TestProcessTransport_RestartsExitedNode(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()
	tr := dialTest(t, processConfig(t, srv.URL, "exit"))

	waitUntil(t, "node restart", func() bool { return tr.Stats().Reconnects >= 1 })
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if tr.Stats().Connected {
		t.Error("closed transport reports connected")
	}
}

func TestProcessTransport_DialFailsWithoutNode(t *testing.T) {
	cfg := processConfig(t, "http://127.0.0.1:1", "emit")
	cfg.WakuBin = "/nonexistent/wakunode2"
	cfg.ReconnectMax = 5 * time.Millisecond
	_, err := Dial(context.Background(), cfg, quietLogger())
	if !errors.Is(err, relayerr.ErrTransportConnect) {
		t.Fatalf("err = %v, want ErrTransportConnect", err)
	}
}
