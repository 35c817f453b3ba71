// Package queue serializes delivery of domain events to handlers.
//
// Events are drained one at a time in ingestion order. All handlers of one
// event run concurrently and the drain waits for every one of them before
// moving to the next event. A failing or panicking handler is logged and does
// not affect its siblings or later events.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/livesync/internal/events"
	"github.com/alfredjeanlab/livesync/internal/fanout"
)

// ErrStopped is returned by Publish after Stop.
var ErrStopped = errors.New("queue: processor stopped")

// Processor is a FIFO event queue with a single drain goroutine.
type Processor struct {
	logger   *slog.Logger
	handlers fanout.Registry[events.Handler]

	mu       sync.Mutex
	queue    []events.DomainEvent
	draining bool
	stopped  bool
	idle     chan struct{} // closed when the current drain finishes
}

var (
	_ events.Publisher  = (*Processor)(nil)
	_ events.Subscriber = (*Processor)(nil)
)

func New(logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{logger: logger.With("component", "queue")}
}

// Subscribe registers h for events of type t.
func (p *Processor) Subscribe(t events.Type, h events.Handler) func() {
	return p.handlers.Add(string(t), h)
}

// Publish appends ev to the queue and starts a drain if none is running.
// Its signature matches events.Handler so a processor can be subscribed to a
// bus directly.
func (p *Processor) Publish(ctx context.Context, ev events.DomainEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.queue = append(p.queue, ev)
	if !p.draining {
		p.draining = true
		p.idle = make(chan struct{})
		go p.drain(p.idle)
	}
	return nil
}

// Len reports how many events are waiting, excluding the one being delivered.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Wait blocks until the queue is empty and no drain is running, or ctx ends.
func (p *Processor) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if !p.draining {
			p.mu.Unlock()
			return nil
		}
		idle := p.idle
		p.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop rejects further events and waits for queued ones to be delivered.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	_ = p.Wait(context.Background())
}

func (p *Processor) drain(idle chan struct{}) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.draining = false
			p.queue = nil
			close(idle)
			p.mu.Unlock()
			return
		}
		ev := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.deliver(ev)
	}
}

func (p *Processor) deliver(ev events.DomainEvent) {
	hs := p.handlers.Handlers(string(ev.Type))
	if len(hs) == 0 {
		p.logger.Debug("no handlers for event", "type", ev.Type, "id", ev.ID)
		return
	}

	ctx := context.Background()
	var g errgroup.Group
	for _, h := range hs {
		g.Go(func() error {
			return fanout.Invoke(p.logger, "event handler failed", func() error {
				return h(ctx, ev)
			}, "type", ev.Type, "id", ev.ID)
		})
	}
	// Failures were logged per handler by Invoke.
	_ = g.Wait()
}
