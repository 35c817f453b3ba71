package conn

import (
	"context"
	"encoding/json"
	"sync"
)

// Relay envelope types used when a bus rides the connection.
const (
	TypePublish     = "publish"
	TypeEvent       = "event"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// RelayEnvelope is the wire shape of relay traffic.
type RelayEnvelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

// Broker adapts a Manager to the events.Broker contract so a bus can publish
// through a relay server. Channel subscriptions are re-announced after every
// reconnect.
type Broker struct {
	m *Manager
}

func NewBroker(m *Manager) *Broker {
	return &Broker{m: m}
}

func (b *Broker) Connect(ctx context.Context) error {
	return b.m.Connect(ctx)
}

func (b *Broker) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.m.Send(RelayEnvelope{Type: TypePublish, Channel: channel, Event: data})
}

func (b *Broker) Subscribe(channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	unsubEvents := b.m.Subscribe(TypeEvent, func(_ context.Context, msg Message) error {
		var env RelayEnvelope
		if err := msg.Decode(&env); err != nil {
			return err
		}
		if env.Channel != channel {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		select {
		case ch <- []byte(env.Event):
		default:
			// Drop if the bus is not keeping up.
		}
		return nil
	})
	announce := func(context.Context, Message) error {
		return b.m.Send(RelayEnvelope{Type: TypeSubscribe, Channel: channel})
	}
	unsubConnected := b.m.Subscribe(EventConnected, announce)
	if b.m.State() == StateConnected {
		_ = announce(context.Background(), Message{})
	}

	cancel := func() {
		once.Do(func() {
			unsubEvents()
			unsubConnected()
			if b.m.State() == StateConnected {
				_ = b.m.Send(RelayEnvelope{Type: TypeUnsubscribe, Channel: channel})
			}
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Close disconnects the underlying manager.
func (b *Broker) Close() error {
	b.m.Disconnect()
	return nil
}
