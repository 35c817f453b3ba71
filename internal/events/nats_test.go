package events

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func connectNATS(t *testing.T, url string, opts ...nats.Option) *NATSBroker {
	t.Helper()
	b := NewNATSBroker(url, opts...)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connecting broker: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNATSBroker_ImplementsBroker(t *testing.T) {
	var _ Broker = (*NATSBroker)(nil)
}

func TestNATSBroker_PublishBeforeConnect(t *testing.T) {
	b := NewNATSBroker("nats://127.0.0.1:1")
	if err := b.Publish(context.Background(), "x", []byte("{}")); err != ErrNotConnected {
		t.Fatalf("Publish() err = %v, want ErrNotConnected", err)
	}
}

func TestNATSBroker_ConnectIsIdempotent(t *testing.T) {
	url := startTestNATS(t)
	b := connectNATS(t, url)
	first := b.conn
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if b.conn != first {
		t.Fatal("second Connect opened a new connection")
	}
}

func TestNATSBroker_ReceivesMessages(t *testing.T) {
	url := startTestNATS(t)
	pub := connectNATS(t, url)
	sub := connectNATS(t, url)

	ch, cancel, err := sub.Subscribe("livesync.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	if err := pub.Publish(context.Background(), "livesync.events", []byte(`{"id":"1"}`)); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	pub.conn.Flush()

	select {
	case msg := <-ch:
		if string(msg) != `{"id":"1"}` {
			t.Errorf("got %q, want %q", msg, `{"id":"1"}`)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNATSBroker_Cancel(t *testing.T) {
	url := startTestNATS(t)
	b := connectNATS(t, url)

	ch, cancel, err := b.Subscribe("livesync.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	cancel()
	// Calling cancel twice should not panic.
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestNATSBroker_CancelDuringMessages(t *testing.T) {
	url := startTestNATS(t)
	pub := connectNATS(t, url)
	sub := connectNATS(t, url)

	ch, cancel, err := sub.Subscribe("livesync.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = pub.Publish(context.Background(), "livesync.events", []byte(`{"id":"x"}`))
		}
		pub.conn.Flush()
	}()

	// Cancel while messages are being sent -- must not panic.
	cancel()
	<-done

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestNATSBroker_PublishAfterClose(t *testing.T) {
	url := startTestNATS(t)
	b := NewNATSBroker(url)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connecting: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := b.Publish(context.Background(), "livesync.events", []byte("{}")); err == nil {
		t.Error("expected error publishing after close")
	}
}

func TestNATSBroker_ReconnectHandlerOption(t *testing.T) {
	url := startTestNATS(t)

	reconnected := make(chan struct{}, 1)
	b := connectNATS(t, url, nats.ReconnectHandler(func(_ *nats.Conn) {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	}))

	if !b.conn.IsConnected() {
		t.Fatal("expected broker to be connected")
	}
}
