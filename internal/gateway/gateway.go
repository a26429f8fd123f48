package gateway

import (
	"context"
	"sync"

	"github.com/user/crmrelay/internal/types"
)

// Gateway routes inbound events into per-session runs. The transport hands
// it raw events; the queue guarantees in-session ordering and bounds
// cross-session parallelism.
type Gateway struct {
	Queue *Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway with the given concurrency limit for simultaneous
// event processing.
func New(maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 4
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Gateway{Queue: NewQueue(concurrency)}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and waits for any
// outstanding work to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
	g.wg.Wait()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnFail sets a callback invoked when processing the event fails.
func WithOnFail(fn func(event types.Event, err error)) RunOption {
	return func(r *Run) { r.OnFail = fn }
}

// HandleInbound wraps the event in a Run and enqueues it on its session's
// lane.
func (g *Gateway) HandleInbound(event types.Event, opts ...RunOption) error {
	run := NewRun(event)
	for _, opt := range opts {
		opt(run)
	}
	return g.Queue.Enqueue(run)
}
