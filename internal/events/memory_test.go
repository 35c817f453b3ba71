package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBroker_LatencyApplied(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerOptions{MinLatency: 30 * time.Millisecond, MaxLatency: 40 * time.Millisecond})
	ch, cancel, err := b.Subscribe("c")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	start := time.Now()
	if err := b.Publish(context.Background(), "c", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-ch:
		if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
			t.Fatalf("delivered after %v, want >= 30ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestMemoryBroker_PreservesOrderUnderJitter(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerOptions{MinLatency: 0, MaxLatency: 10 * time.Millisecond})
	ch, cancel, err := b.Subscribe("c")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	for i := range 20 {
		if err := b.Publish(context.Background(), "c", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for i := range 20 {
		select {
		case msg := <-ch:
			if int(msg[0]) != i {
				t.Fatalf("message %d arrived at position %d", msg[0], i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestMemoryBroker_ChannelsAreIsolated(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerOptions{})
	ch, cancel, _ := b.Subscribe("a")
	defer cancel()

	_ = b.Publish(context.Background(), "b", []byte("x"))
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %q on channel a", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBroker_CancelClosesChannel(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerOptions{})
	ch, cancel, _ := b.Subscribe("a")
	cancel()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if n := b.Subscribers("a"); n != 0 {
		t.Fatalf("Subscribers = %d, want 0", n)
	}
}

func TestMemoryBroker_PublishCanceledContext(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Publish(ctx, "a", nil); err == nil {
		t.Fatal("expected error on canceled context")
	}
}
