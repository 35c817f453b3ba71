package events

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// MemoryBroker is an in-process broker shared by every Bus in the process.
// Each delivery is held back by a random latency in [MinLatency, MaxLatency)
// to model a network hop; per-subscription delivery order is preserved.
//
// It stands in for a real broker in tests and single-process setups. Close is
// a no-op so that one client disconnecting does not tear down the others.
type MemoryBroker struct {
	minLatency time.Duration
	maxLatency time.Duration

	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

var _ Broker = (*MemoryBroker)(nil)

type MemoryBrokerOptions struct {
	MinLatency time.Duration
	MaxLatency time.Duration
}

type memoryDelivery struct {
	due  time.Time
	data []byte
}

type memorySub struct {
	in   chan memoryDelivery
	out  chan []byte
	stop chan struct{}
}

func NewMemoryBroker(opts MemoryBrokerOptions) *MemoryBroker {
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	return &MemoryBroker{
		minLatency: opts.MinLatency,
		maxLatency: opts.MaxLatency,
		subs:       make(map[string]map[*memorySub]struct{}),
	}
}

func (b *MemoryBroker) Connect(ctx context.Context) error {
	return ctx.Err()
}

func (b *MemoryBroker) latency() time.Duration {
	spread := b.maxLatency - b.minLatency
	if spread <= 0 {
		return b.minLatency
	}
	return b.minLatency + rand.N(spread)
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := append([]byte(nil), data...)

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[channel] {
		select {
		case s.in <- memoryDelivery{due: time.Now().Add(b.latency()), data: payload}:
		default:
			// Drop if the subscriber is too far behind.
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(channel string) (<-chan []byte, func(), error) {
	s := &memorySub{
		in:   make(chan memoryDelivery, 256),
		out:  make(chan []byte, 64),
		stop: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySub]struct{})
	}
	b.subs[channel][s] = struct{}{}
	b.mu.Unlock()

	go s.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], s)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			b.mu.Unlock()
			close(s.stop)
		})
	}
	return s.out, cancel, nil
}

// run releases deliveries in arrival order once each is due.
func (s *memorySub) run() {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case d := <-s.in:
			if wait := time.Until(d.due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-s.stop:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			select {
			case s.out <- d.data:
			case <-s.stop:
				return
			}
		}
	}
}

// Subscribers reports the number of live subscriptions on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *MemoryBroker) Close() error {
	return nil
}
