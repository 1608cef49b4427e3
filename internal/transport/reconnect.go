package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

const reconnectInitial = 250 * time.Millisecond

// connect runs dial up to attempts times with exponential backoff.
func connect(ctx context.Context, cfg Config, logger *slog.Logger, dial func(context.Context) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, dial(ctx)
	},
		backoff.WithBackOff(newReconnectPolicy(cfg.ReconnectMax).b),
		backoff.WithMaxTries(uint(cfg.ConnectAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("transport connect failed", "attempt", attempt, "of", cfg.ConnectAttempts, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return relayerr.New(relayerr.ErrTransportConnect, "connect "+describe(cfg), err)
	}
	return nil
}

// reconnectPolicy is an exponential backoff capped at ReconnectMax, shared
// between a backend's reconnect loop and its connection callbacks.
type reconnectPolicy struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

func newReconnectPolicy(maxDelay time.Duration) *reconnectPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(reconnectInitial, maxDelay)
	b.MaxInterval = maxDelay
	return &reconnectPolicy{b: b}
}

// Next returns the delay before the next reconnect attempt.
func (p *reconnectPolicy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return p.b.MaxInterval
	}
	return d
}

// Reset restarts the sequence after a successful reconnect.
func (p *reconnectPolicy) Reset() {
	p.mu.Lock()
	p.b.Reset()
	p.mu.Unlock()
}
