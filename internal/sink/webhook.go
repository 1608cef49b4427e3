// Package sink delivers relay events to HTTP endpoints: the Waku node's
// send API and the IndexDB invite webhook.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alfredjeanlab/wakurelay/internal/idgen"
	"github.com/alfredjeanlab/wakurelay/internal/relay"
	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

const (
	maxResponseBody = 1024 // 1KB cap on response body logging
	defaultTimeout  = 30 * time.Second
)

// UserAgent is sent with every delivery.
var UserAgent = "wakurelay/dev"

// Encoder turns an event into the JSON body of a delivery.
type Encoder interface {
	Encode(ev relay.Event) (any, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Webhook POSTs each event to a fixed URL. It implements relay.Forwarder
// and makes exactly one request per Forward call; retries belong to the
// pipeline.
type Webhook struct {
	url     string
	encoder Encoder
	client  *http.Client
	logger  *slog.Logger
}

// NewWebhook creates a webhook forwarder. A zero timeout uses 30s.
func NewWebhook(url string, enc Encoder, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:     url,
		encoder: enc,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With("sink", url),
	}
}

// Forward encodes ev and POSTs it once.
func (w *Webhook) Forward(ctx context.Context, ev relay.Event) error {
	payload, err := w.encoder.Encode(ev)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return relayerr.New(relayerr.ErrSerialization, "marshal body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return relayerr.New(relayerr.ErrConfig, "create request", err)
	}
	deliveryID := idgen.DeliveryID()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Relay-Event-ID", ev.ID)
	req.Header.Set("X-Relay-Delivery-ID", deliveryID)

	start := time.Now()
	resp, err := w.client.Do(req) //nolint:gosec // URL comes from operator configuration.
	if err != nil {
		return relayerr.New(relayerr.ErrForward, "POST "+ev.ID, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	w.logger.Debug("delivery response",
		"event_id", ev.ID,
		"delivery_id", deliveryID,
		"status", resp.StatusCode,
		"latency", time.Since(start),
		"body", string(respBody),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return relayerr.New(relayerr.ErrForward, "POST "+ev.ID, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		})
	}
	return nil
}
