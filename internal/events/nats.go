package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBroker carries bus channels as NATS subjects.
type NATSBroker struct {
	url  string
	opts []nats.Option

	mu   sync.Mutex
	conn *nats.Conn
}

var _ Broker = (*NATSBroker)(nil)

// NewNATSBroker prepares a broker for url. The connection is opened by Connect
// with automatic reconnection; extra nats.Option values (e.g. disconnect or
// reconnect handlers) are appended to the defaults.
func NewNATSBroker(url string, opts ...nats.Option) *NATSBroker {
	return &NATSBroker{url: url, opts: opts}
}

func (b *NATSBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(b.url, append(defaults, b.opts...)...)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", b.url, err)
	}
	b.conn = nc
	return nil
}

func (b *NATSBroker) connection() (*nats.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, ErrNotConnected
	}
	return b.conn, nil
}

func (b *NATSBroker) Publish(ctx context.Context, channel string, data []byte) error {
	nc, err := b.connection()
	if err != nil {
		return err
	}
	return nc.Publish(channel, data)
}

// Subscribe returns a channel that receives raw payloads for the given subject
// (NATS wildcards like "livesync.>" are allowed).
func (b *NATSBroker) Subscribe(channel string) (<-chan []byte, func(), error) {
	nc, err := b.connection()
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan []byte, 64)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := nc.Subscribe(channel, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg.Data:
		default:
			// Drop message if channel is full to avoid blocking the NATS client.
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			// Drain remaining messages so senders don't block, then close.
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
