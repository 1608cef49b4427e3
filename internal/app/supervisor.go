package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/wakurelay/internal/relay"
)

var errExited = errors.New("pipeline exited")

// runner keeps one direction alive, rebuilding its pipeline after failures.
type runner struct {
	direction relay.Direction
	build     func() *relay.Pipeline

	current  atomic.Pointer[relay.Pipeline]
	restarts atomic.Int64
}

// Status reports the live pipeline, or an idle placeholder before the
// first build.
func (r *runner) Status() relay.Status {
	if p := r.current.Load(); p != nil {
		return p.Status()
	}
	return relay.Status{Direction: r.direction, State: relay.StateIdle}
}

// supervise runs r until ctx is cancelled. A pipeline that returns an error
// or panics is logged and replaced after the restart delay; siblings are
// unaffected.
func (a *App) supervise(ctx context.Context, r *runner) {
	delay := a.cfg.Relay.RestartDelay.D()
	logger := a.logger.With("direction", string(r.direction))
	for {
		p := r.build()
		r.current.Store(p)

		err := runPipeline(ctx, p)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errExited
		}
		r.restarts.Add(1)
		a.restarts.WithLabelValues(string(r.direction)).Inc()
		logger.Error("pipeline failed, restarting", "err", err, "delay", delay, "restarts", r.restarts.Load())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// runPipeline converts a producer panic into an error. Forwarder panics
// never reach it; the pipeline drops the event and keeps consuming.
func runPipeline(ctx context.Context, p *relay.Pipeline) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("pipeline panic: %v\n%s", v, debug.Stack())
		}
	}()
	return p.Run(ctx)
}
