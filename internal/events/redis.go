package events

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker carries bus channels over Redis Pub/Sub.
type RedisBroker struct {
	client *redis.Client
	// owned is true when the broker created the client and must close it.
	owned bool
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker builds a client from a redis:// URL. A bare host:port is
// accepted as well.
func NewRedisBroker(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		if strings.Contains(url, "://") {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = &redis.Options{Addr: url}
	}
	return &RedisBroker{client: redis.NewClient(opts), owned: true}, nil
}

// NewRedisBrokerFromClient wraps an existing client; Close leaves it open.
func NewRedisBrokerFromClient(rc *redis.Client) *RedisBroker {
	return &RedisBroker{client: rc}
}

func (b *RedisBroker) Connect(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", b.client.Options().Addr, err)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, data []byte) error {
	return b.client.Publish(ctx, channel, data).Err()
}

func (b *RedisBroker) Subscribe(channel string) (<-chan []byte, func(), error) {
	ctx := context.Background()
	ps := b.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so publishes issued right after
	// Subscribe returns are routed to us.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	ch := make(chan []byte, 64)
	msgs := ps.Channel()
	go func() {
		defer close(ch)
		for msg := range msgs {
			select {
			case ch <- []byte(msg.Payload):
			default:
				// Drop if the consumer is slow.
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = ps.Close() })
	}
	return ch, cancel, nil
}

func (b *RedisBroker) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}
