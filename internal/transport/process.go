package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	readyTimeout  = 30 * time.Second
	readyInterval = 100 * time.Millisecond
	maxLineBytes  = 1 << 20
	maxErrorBody  = 1 << 10
)

// processTransport runs a Waku node as a child process. Inbound messages
// are read from the node's stdout as JSON lines; publishing and relay
// subscriptions go through the node's REST API.
type processTransport struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	policy *reconnectPolicy
	subs   *hub
	stats  stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	exited chan struct{}
	closed bool
	once   sync.Once
}

func dialProcess(ctx context.Context, cfg Config, logger *slog.Logger) (*processTransport, error) {
	t := &processTransport{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		policy: newReconnectPolicy(cfg.ReconnectMax),
		subs:   newHub(),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if err := connect(ctx, cfg, logger, t.start); err != nil {
		t.cancel()
		return nil, err
	}
	t.wg.Add(1)
	go t.supervise()
	return t, nil
}

// start launches the node and waits until its REST API answers.
func (t *processTransport) start(ctx context.Context) error {
	cmd := exec.CommandContext(t.ctx, t.cfg.WakuBin, t.cfg.WakuArgs...)
	cmd.WaitDelay = time.Second
	cmd.Stderr = &lineLogger{logger: t.logger, msg: "node stderr"}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening node stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", t.cfg.WakuBin, err)
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t.readOutput(stdout)
		err := cmd.Wait()
		if t.ctx.Err() == nil {
			t.logger.Warn("waku node exited", "pid", cmd.Process.Pid, "error", err)
		}
	}()

	if err := t.waitReady(ctx, exited); err != nil {
		_ = cmd.Process.Kill()
		<-exited
		return err
	}
	for _, topic := range t.subs.topics() {
		if err := t.relaySubscribe(ctx, topic); err != nil {
			_ = cmd.Process.Kill()
			<-exited
			return err
		}
	}

	t.mu.Lock()
	t.exited = exited
	t.mu.Unlock()
	t.stats.connected.Store(true)
	t.logger.Info("waku node started", "pid", cmd.Process.Pid, "node_url", t.cfg.NodeURL)
	return nil
}

func (t *processTransport) waitReady(ctx context.Context, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	tick := time.NewTicker(readyInterval)
	defer tick.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint("/health"), nil)
		if err != nil {
			return err
		}
		if resp, err := t.client.Do(req); err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-exited:
			return fmt.Errorf("waku node exited before becoming ready")
		case <-ctx.Done():
			return fmt.Errorf("waiting for node REST API: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

// supervise restarts the node whenever it exits until the transport closes.
func (t *processTransport) supervise() {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		exited := t.exited
		t.mu.Unlock()

		select {
		case <-t.ctx.Done():
			return
		case <-exited:
		}
		t.stats.connected.Store(false)

		for {
			wait := t.policy.Next()
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(wait):
			}
			if err := t.start(t.ctx); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.logger.Warn("restarting waku node failed", "error", err)
				continue
			}
			t.policy.Reset()
			t.stats.reconnects.Add(1)
			break
		}
	}
}

// readOutput dispatches JSON message lines and logs everything else.
func (t *processTransport) readOutput(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			t.logger.Debug("node output", "line", string(line))
			continue
		}
		m, err := DecodeEnvelope(t.cfg.PubsubTopic, line)
		if err != nil {
			t.logger.Debug("ignoring node output line", "error", err)
			continue
		}
		t.subs.dispatch(m)
	}
	if err := sc.Err(); err != nil && t.ctx.Err() == nil {
		t.logger.Warn("reading node output", "error", err)
	}
}

func (t *processTransport) Publish(ctx context.Context, m Message) (string, error) {
	if t.isClosed() {
		return "", closedError("publish")
	}
	if !t.stats.connected.Load() {
		return "", disconnected("publish")
	}
	if err := checkTopics(m.PubsubTopic); err != nil {
		return "", err
	}
	body, err := EncodeEnvelope(m)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.PublishTimeout)
	defer cancel()
	path := "/relay/v1/messages/" + url.PathEscape(m.PubsubTopic)
	if err := t.post(ctx, path, body); err != nil {
		if !t.stats.connected.Load() {
			return "", disconnected("publish")
		}
		return "", transportError("publish", err)
	}
	return m.Hash(), nil
}

func (t *processTransport) Subscribe(ctx context.Context, pubsub, content string) (*Subscription, error) {
	if t.isClosed() {
		return nil, closedError("subscribe")
	}
	if err := checkTopics(pubsub); err != nil {
		return nil, err
	}
	if err := t.relaySubscribe(ctx, pubsub); err != nil {
		return nil, transportError("subscribe "+pubsub, err)
	}
	sub := newSubscription(pubsub, content, t.cfg.SubscriptionBuffer, &t.stats.dropped, t.logger)
	t.subs.add(sub)
	t.logger.Info("subscribed", "pubsub_topic", pubsub, "content_topic", content)
	return sub, nil
}

func (t *processTransport) relaySubscribe(ctx context.Context, pubsub string) error {
	body, err := json.Marshal([]string{pubsub})
	if err != nil {
		return err
	}
	return t.post(ctx, "/relay/v1/subscriptions", body)
}

func (t *processTransport) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (t *processTransport) endpoint(path string) string {
	return strings.TrimRight(t.cfg.NodeURL, "/") + path
}

func (t *processTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *processTransport) Stats() Stats { return t.stats.snapshot(ModeProcess) }

// Close stops the node and waits for the supervisor to exit.
func (t *processTransport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		t.cancel()
		t.wg.Wait()
		t.mu.Lock()
		exited := t.exited
		t.mu.Unlock()
		if exited != nil {
			<-exited
		}
		t.subs.closeAll()
		t.stats.connected.Store(false)
		t.logger.Info("transport closed")
	})
	return nil
}

// lineLogger forwards child process output to the logger line by line.
type lineLogger struct {
	logger *slog.Logger
	msg    string
	buf    bytes.Buffer
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		if s := strings.TrimSpace(line); s != "" {
			w.logger.Debug(w.msg, "line", s)
		}
	}
}

var _ Transport = (*processTransport)(nil)
