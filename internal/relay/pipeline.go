package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alfredjeanlab/wakurelay/internal/idgen"
	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

const tracerName = "github.com/alfredjeanlab/wakurelay/internal/relay"

// errForwardPanic marks a Forward call that panicked.
var errForwardPanic = errors.New("forwarder panicked")

// Config tunes one pipeline. Zero fields take the defaults below.
type Config struct {
	Direction        Direction
	PollInterval     time.Duration
	FetchLimit       int
	ChannelCapacity  int
	InitialWatermark uint64
	ForwardAttempts  int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	FetchBackoffMax  time.Duration
	DrainTimeout     time.Duration
}

// Defaults.
const (
	DefaultPollInterval    = 10 * time.Second
	DefaultFetchLimit      = 100
	DefaultChannelCapacity = 100
	DefaultForwardAttempts = 4
	DefaultRetryInitial    = 500 * time.Millisecond
	DefaultRetryMax        = 10 * time.Second
	DefaultFetchBackoffMax = time.Minute
	DefaultDrainTimeout    = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = DefaultChannelCapacity
	}
	if c.ForwardAttempts <= 0 {
		c.ForwardAttempts = DefaultForwardAttempts
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = max(DefaultRetryMax, c.RetryInitial)
	}
	if c.FetchBackoffMax < c.PollInterval {
		c.FetchBackoffMax = max(DefaultFetchBackoffMax, c.PollInterval)
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// Pipeline relays one direction. A polling pipeline pulls batches from a
// Source; a streaming pipeline reads a Stream. Either way a single consumer
// forwards queued events in FIFO order.
type Pipeline struct {
	cfg       Config
	cursor    Cursor
	source    Source
	stream    Stream
	forwarder Forwarder
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	runID     string
	state     atomic.Int32
	watermark atomic.Uint64

	mu          sync.Mutex
	lastCycleAt time.Time
	lastError   string
}

// NewPolling creates a pipeline that polls src every cfg.PollInterval.
func NewPolling(cfg Config, cur Cursor, src Source, fwd Forwarder, logger *slog.Logger) *Pipeline {
	p := newPipeline(cfg, cur, fwd, logger)
	p.source = src
	return p
}

// NewStreaming creates a pipeline fed by a push subscription.
func NewStreaming(cfg Config, cur Cursor, stream Stream, fwd Forwarder, logger *slog.Logger) *Pipeline {
	p := newPipeline(cfg, cur, fwd, logger)
	p.stream = stream
	return p
}

func newPipeline(cfg Config, cur Cursor, fwd Forwarder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	runID := idgen.RunID()
	return &Pipeline{
		cfg:       cfg,
		cursor:    cur,
		forwarder: fwd,
		logger:    logger.With("direction", string(cfg.Direction), "run_id", runID),
		tracer:    otel.Tracer(tracerName),
		runID:     runID,
	}
}

// WithMetrics sets the instruments the pipeline reports to.
func (p *Pipeline) WithMetrics(m *Metrics) *Pipeline {
	p.metrics = m
	return p
}

// WithTracer overrides the global tracer.
func (p *Pipeline) WithTracer(t trace.Tracer) *Pipeline {
	p.tracer = t
	return p
}

// Direction returns the direction this pipeline relays.
func (p *Pipeline) Direction() Direction { return p.cfg.Direction }

// State returns the current producer state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Status returns a snapshot for health reporting.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Direction:   p.cfg.Direction,
		RunID:       p.runID,
		State:       p.State(),
		Watermark:   p.watermark.Load(),
		LastCycleAt: p.lastCycleAt,
		LastError:   p.lastError,
	}
}

// Run relays until ctx is cancelled. On cancellation the producer stops,
// the consumer drains what is already queued for at most DrainTimeout, and
// Run returns nil. The drain also runs when the producer panics, before the
// panic propagates. A panicking Forwarder drops the event it was handling
// and the consumer continues. Run must be called at most once per Pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	queue := make(chan Event, p.cfg.ChannelCapacity)

	// The consumer outlives ctx so it can finish the in-flight forward and
	// drain the queue; drainCancel bounds that.
	drainCtx, drainCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer drainCancel()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		p.consume(drainCtx, queue)
	}()

	p.logger.Info("pipeline started",
		"mode", p.mode(),
		"capacity", p.cfg.ChannelCapacity,
		"forward_attempts", p.cfg.ForwardAttempts,
	)

	defer func() {
		p.setState(StateShuttingDown)
		close(queue)
		timer := time.AfterFunc(p.cfg.DrainTimeout, drainCancel)
		<-consumerDone
		timer.Stop()
		p.setState(StateStopped)
		p.logger.Info("pipeline stopped", "watermark", p.watermark.Load())
	}()

	var err error
	if p.source != nil {
		err = p.poll(ctx, queue)
	} else {
		err = p.listen(ctx, queue)
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *Pipeline) mode() string {
	if p.source != nil {
		return "polling"
	}
	return "streaming"
}

// poll runs fetch cycles until ctx is cancelled. A failed cycle is retried
// after an exponential backoff capped at FetchBackoffMax.
func (p *Pipeline) poll(ctx context.Context, queue chan<- Event) error {
	fetchBackoff := backoff.NewExponentialBackOff()
	fetchBackoff.InitialInterval = p.cfg.PollInterval
	fetchBackoff.MaxInterval = p.cfg.FetchBackoffMax

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := p.cycle(ctx, queue)
		wait := p.cfg.PollInterval
		switch {
		case err == nil:
			fetchBackoff.Reset()
		case ctx.Err() != nil:
			return nil
		default:
			p.countFetchError()
			p.setLastError(err)
			wait = fetchBackoff.NextBackOff()
			p.logger.Warn("relay cycle failed", "error", err, "retry_in", wait)
		}

		p.setState(StateSleeping)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// cycle performs one fetch, dedup and enqueue pass and then advances the
// watermark past the batch.
func (p *Pipeline) cycle(ctx context.Context, queue chan<- Event) (err error) {
	ctx, span := p.tracer.Start(ctx, "relay.cycle",
		trace.WithAttributes(attribute.String("relay.direction", string(p.cfg.Direction))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	p.setState(StateFetching)
	w, err := p.cursor.Watermark(ctx, p.cfg.InitialWatermark)
	if err != nil {
		return err
	}
	p.setWatermark(w)

	events, err := p.source.FetchSince(ctx, w, p.cfg.FetchLimit)
	if err != nil {
		return err
	}
	p.count(p.fetchedCounter(), len(events))
	span.SetAttributes(attribute.Int("relay.fetched", len(events)))
	SortEvents(events)

	newest, err := p.admit(ctx, queue, events)
	if err != nil {
		return err
	}
	if newest > w {
		if err := p.cursor.Advance(ctx, newest); err != nil {
			return err
		}
		p.setWatermark(newest)
	}
	p.markCycle()
	p.logger.Debug("relay cycle done", "fetched", len(events), "watermark", max(w, newest))
	return nil
}

// listen feeds the queue from the stream, resubscribing when the stream
// ends before ctx does.
func (p *Pipeline) listen(ctx context.Context, queue chan<- Event) error {
	resub := backoff.NewExponentialBackOff()
	resub.InitialInterval = p.cfg.RetryInitial
	resub.MaxInterval = p.cfg.FetchBackoffMax

	for {
		if ctx.Err() != nil {
			return nil
		}
		in, cancel, err := p.stream.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.setLastError(err)
			wait := resub.NextBackOff()
			p.logger.Warn("subscribe failed", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		resub.Reset()
		p.setState(StateSubscribed)
		p.logger.Info("subscribed")

		p.receive(ctx, queue, in)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		wait := resub.NextBackOff()
		p.logger.Warn("stream closed, resubscribing", "retry_in", wait)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// receive admits stream events one at a time until the stream closes or
// ctx is cancelled.
func (p *Pipeline) receive(ctx context.Context, queue chan<- Event, in <-chan Event) {
	w, err := p.cursor.Watermark(ctx, p.cfg.InitialWatermark)
	stale := err != nil
	if stale {
		p.setLastError(err)
		p.logger.Warn("reading watermark failed", "error", err)
	} else {
		p.setWatermark(w)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			p.count(p.fetchedCounter(), 1)
			newest, ok := p.admitPushed(ctx, queue, ev)
			if !ok {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if newest > w || stale {
				if err := p.cursor.Advance(ctx, newest); err != nil {
					p.countFetchError()
					p.setLastError(err)
					p.logger.Warn("advancing watermark failed", "error", err)
					continue
				}
				w = max(w, newest)
				if stale {
					if stored, err := p.cursor.Watermark(ctx, p.cfg.InitialWatermark); err == nil {
						w, stale = stored, false
					}
				}
				if !stale {
					p.setWatermark(w)
				}
			}
			p.markCycle()
			p.setState(StateSubscribed)
		}
	}
}

// admitPushed admits one pushed event, retrying ledger failures with
// backoff. A pushed event is never delivered again, so one whose ledger
// writes keep failing is dropped and counted. ok is false when the event
// was not admitted.
func (p *Pipeline) admitPushed(ctx context.Context, queue chan<- Event, ev Event) (newest uint64, ok bool) {
	attempts := 0
	newest, err := backoff.Retry(ctx, func() (uint64, error) {
		attempts++
		n, err := p.admit(ctx, queue, []Event{ev})
		if err != nil && ctx.Err() != nil {
			return 0, backoff.Permanent(err)
		}
		return n, err
	},
		backoff.WithBackOff(p.retryBackoff()),
		backoff.WithMaxTries(uint(p.cfg.ForwardAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.countFetchError()
			p.setLastError(err)
			p.logger.Warn("admitting event failed, retrying",
				"event_id", ev.ID, "attempt", attempts, "error", err, "retry_in", next)
		}),
	)
	if err == nil {
		return newest, true
	}
	if ctx.Err() != nil {
		return 0, false
	}
	p.countFetchError()
	p.setLastError(err)
	p.drop(ev, DropPersistence, err)
	return 0, false
}

// admit deduplicates events against the ledger and enqueues the unseen
// ones, recording each before it is queued. It returns the newest
// CreatedAt in the batch, duplicates included.
func (p *Pipeline) admit(ctx context.Context, queue chan<- Event, events []Event) (uint64, error) {
	var newest uint64
	for _, ev := range events {
		p.setState(StateDeduping)
		seen, err := p.cursor.HasSeen(ctx, ev.ID)
		if err != nil {
			return 0, err
		}
		if seen {
			p.count(p.duplicateCounter(), 1)
			newest = max(newest, ev.CreatedAt)
			continue
		}
		if err := p.cursor.RecordSeen(ctx, ev.ID); err != nil {
			return 0, err
		}

		p.setState(StateEnqueuing)
		if err := p.enqueue(ctx, queue, ev); err != nil {
			return 0, err
		}
		newest = max(newest, ev.CreatedAt)
	}
	return newest, nil
}

// enqueue blocks until the queue has room. The event is already recorded,
// so on cancellation it still gets DrainTimeout to reach the consumer.
func (p *Pipeline) enqueue(ctx context.Context, queue chan<- Event, ev Event) error {
	select {
	case queue <- ev:
		p.countEnqueued(len(queue))
		return nil
	case <-ctx.Done():
	}

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case queue <- ev:
		p.countEnqueued(len(queue))
	case <-timer.C:
		p.drop(ev, DropShutdown, ctx.Err())
	}
	return ctx.Err()
}

// consume forwards queued events in order until the queue is closed.
func (p *Pipeline) consume(ctx context.Context, queue <-chan Event) {
	for ev := range queue {
		p.setDepth(len(queue))
		if ctx.Err() != nil {
			p.drop(ev, DropShutdown, ctx.Err())
			continue
		}
		p.deliver(ctx, ev)
	}
}

// deliver forwards ev with bounded retries. Serialization and config
// failures are not retried.
func (p *Pipeline) deliver(ctx context.Context, ev Event) {
	ctx, span := p.tracer.Start(ctx, "relay.forward", trace.WithAttributes(
		attribute.String("relay.direction", string(p.cfg.Direction)),
		attribute.String("relay.event_id", ev.ID),
	))
	defer span.End()

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := p.forward(ctx, ev)
		if err != nil && permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.retryBackoff()),
		backoff.WithMaxTries(uint(p.cfg.ForwardAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.count(p.retryCounter(), 1)
			p.logger.Warn("forward failed, retrying",
				"event_id", ev.ID, "attempt", attempts, "error", err, "retry_in", next)
		}),
	)
	span.SetAttributes(attribute.Int("relay.attempts", attempts))
	if err == nil {
		p.count(p.forwardedCounter(), 1)
		p.logger.Debug("event forwarded", "event_id", ev.ID, "attempts", attempts)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.setLastError(err)
	switch {
	case errors.Is(err, errForwardPanic):
		p.drop(ev, DropPanic, err)
	case errors.Is(err, relayerr.ErrSerialization):
		p.drop(ev, DropSerialization, err)
	case ctx.Err() != nil:
		p.drop(ev, DropShutdown, err)
	default:
		p.drop(ev, DropRetriesExhausted, err)
	}
}

// forward makes one Forward call. A panic is returned as an error so the
// consumer keeps draining and sibling pipelines are unaffected.
func (p *Pipeline) forward(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", errForwardPanic, r, debug.Stack())
		}
	}()
	return p.forwarder.Forward(ctx, ev)
}

func (p *Pipeline) retryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInitial
	b.MaxInterval = p.cfg.RetryMax
	return b
}

// permanent reports whether retrying err cannot succeed.
func permanent(err error) bool {
	return errors.Is(err, relayerr.ErrSerialization) || errors.Is(err, relayerr.ErrConfig) ||
		errors.Is(err, errForwardPanic)
}

// drop reports an event that was recorded but never delivered. Such events
// are not retried later: the ledger already holds their id.
func (p *Pipeline) drop(ev Event, reason string, err error) {
	if p.metrics != nil {
		p.metrics.Dropped.WithLabelValues(string(p.cfg.Direction), reason).Inc()
	}
	p.logger.Error("event dropped", "event_id", ev.ID, "created_at", ev.CreatedAt, "reason", reason, "error", err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Pipeline) setState(s State) { p.state.Store(int32(s)) }

func (p *Pipeline) setWatermark(w uint64) {
	p.watermark.Store(w)
	if p.metrics != nil {
		p.metrics.Watermark.WithLabelValues(string(p.cfg.Direction)).Set(float64(w))
	}
}

func (p *Pipeline) setLastError(err error) {
	p.mu.Lock()
	p.lastError = err.Error()
	p.mu.Unlock()
}

func (p *Pipeline) markCycle() {
	p.mu.Lock()
	p.lastCycleAt = time.Now().UTC()
	p.lastError = ""
	p.mu.Unlock()
}
