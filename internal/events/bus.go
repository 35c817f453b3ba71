package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/livesync/internal/fanout"
	"github.com/alfredjeanlab/livesync/internal/idgen"
)

// DefaultChannel is the bus channel used when none is configured.
const DefaultChannel = "livesync.events"

// ErrNotConnected is returned when publishing on a bus or broker that has not
// been connected.
var ErrNotConnected = errors.New("events: not connected")

// BusOptions configures a Bus.
type BusOptions struct {
	// Channel is the broker channel carrying this bus' events.
	Channel string
	// Source is stamped on published events that have none.
	Source string
	// UserID is stamped on published events that have none.
	UserID string
	Logger *slog.Logger
}

// Bus publishes DomainEvents on a broker channel and fans inbound events out
// to per-type subscribers. Local subscribers see their own publishes once the
// broker echoes them back.
type Bus struct {
	broker  Broker
	channel string
	source  string
	userID  string
	logger  *slog.Logger

	handlers fanout.Registry[Handler]

	mu        sync.Mutex
	connected bool
	cancel    func()
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

func NewBus(broker Broker, opts BusOptions) *Bus {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		broker:  broker,
		channel: opts.Channel,
		source:  opts.Source,
		userID:  opts.UserID,
		logger:  opts.Logger.With("component", "bus", "channel", opts.Channel),
	}
}

// Connect connects the broker and starts consuming the bus channel.
// On a connected bus it only asks the broker to connect again, which revives
// a broker that lost its connection (e.g. a relay that gave up reconnecting)
// and keeps the existing channel subscription.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		if err := b.broker.Connect(ctx); err != nil {
			return fmt.Errorf("reconnecting broker: %w", err)
		}
		return nil
	}
	if err := b.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connecting broker: %w", err)
	}
	ch, cancel, err := b.broker.Subscribe(b.channel)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.channel, err)
	}
	b.cancel = cancel
	b.connected = true
	go b.consume(ch)
	b.logger.Info("bus connected")
	return nil
}

// IsConnected reports whether Connect has succeeded and Disconnect has not
// been called since.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Publish stamps missing envelope fields and sends ev on the bus channel.
func (b *Bus) Publish(ctx context.Context, ev DomainEvent) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	ev = b.stamp(ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", ev.ID, err)
	}
	if err := b.broker.Publish(ctx, b.channel, data); err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Type, err)
	}
	return nil
}

func (b *Bus) stamp(ev DomainEvent) DomainEvent {
	if ev.ID == "" {
		ev.ID = idgen.EventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Source == "" {
		ev.Source = b.source
	}
	if ev.UserID == "" {
		ev.UserID = b.userID
	}
	if ev.Type == "" && ev.Payload != nil {
		ev.Type = ev.Payload.EventType()
	}
	return ev
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	return b.handlers.Add(string(t), h)
}

// Disconnect stops consuming, closes the broker and drops every handler.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	cancel := b.cancel
	wasConnected := b.connected
	b.cancel = nil
	b.connected = false
	b.mu.Unlock()

	b.handlers.Reset()
	if !wasConnected {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	b.logger.Info("bus disconnected")
	return b.broker.Close()
}

func (b *Bus) consume(ch <-chan []byte) {
	for data := range ch {
		b.dispatch(data)
	}
}

func (b *Bus) dispatch(data []byte) {
	var ev DomainEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Warn("dropping malformed event", "err", err, "bytes", len(data))
		return
	}
	if _, unknown := ev.Payload.(Unknown); unknown {
		b.logger.Debug("ignoring event of unknown type", "type", ev.Type, "id", ev.ID)
		return
	}
	ctx := context.Background()
	for _, h := range b.handlers.Handlers(string(ev.Type)) {
		_ = fanout.Invoke(b.logger, "event handler failed", func() error {
			return h(ctx, ev)
		}, "type", ev.Type, "id", ev.ID)
	}
}
