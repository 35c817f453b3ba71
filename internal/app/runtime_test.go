package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/alfredjeanlab/livesync/internal/config"
	"github.com/alfredjeanlab/livesync/internal/events"
	"github.com/alfredjeanlab/livesync/internal/relay"
	"github.com/alfredjeanlab/livesync/internal/syncer"
)

func testConfig(user, broker string, ordered bool) *config.Config {
	return &config.Config{
		Broker:               broker,
		Channel:              "livesync.test",
		UserID:               user,
		Source:               "test-" + user,
		Clock:                syncer.ClockHybrid,
		Ordered:              ordered,
		HeartbeatInterval:    time.Hour,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}
}

func startRuntime(t *testing.T, cfg *config.Config, opts Options) *Runtime {
	t.Helper()
	r, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

type seen struct {
	mu  sync.Mutex
	got []events.SyncEvent
}

func watch(r *Runtime, entity string) *seen {
	s := &seen{}
	r.Coordinator.SubscribeToEntity(entity, func(ev events.SyncEvent) {
		s.mu.Lock()
		s.got = append(s.got, ev)
		s.mu.Unlock()
	})
	return s
}

func (s *seen) waitFor(t *testing.T, id string) events.SyncEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ev := range s.got {
			if ev.ID == id {
				s.mu.Unlock()
				return ev
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("change %s never applied", id)
	return events.SyncEvent{}
}

func (s *seen) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

// exchange syncs one change from alice and checks bob applies it while
// alice ignores her own echo.
func exchange(t *testing.T, alice, bob *Runtime) {
	t.Helper()
	aliceSeen := watch(alice, "lead")
	bobSeen := watch(bob, "lead")

	ev := alice.Coordinator.SyncChange(context.Background(), events.SyncEvent{
		Type: events.ChangeUpdate, Entity: "lead", EntityID: "42",
		Data: map[string]any{"stage": "won"},
	})
	got := bobSeen.waitFor(t, ev.ID)
	if got.Data["stage"] != "won" || got.UserID != "alice" {
		t.Fatalf("bob applied %+v", got)
	}

	time.Sleep(50 * time.Millisecond)
	if n := aliceSeen.count(); n != 1 {
		t.Fatalf("alice listener calls = %d, want 1", n)
	}
}

func TestRuntime_MemoryOrdered(t *testing.T) {
	broker := events.NewMemoryBroker(events.MemoryBrokerOptions{MaxLatency: 5 * time.Millisecond})
	alice := startRuntime(t, testConfig("alice", config.BrokerMemory, true), Options{Broker: broker})
	bob := startRuntime(t, testConfig("bob", config.BrokerMemory, true), Options{Broker: broker})
	if alice.Processor == nil {
		t.Fatal("ordered runtime has no processor")
	}
	exchange(t, alice, bob)
}

func TestRuntime_MemoryUnordered(t *testing.T) {
	broker := events.NewMemoryBroker(events.MemoryBrokerOptions{})
	alice := startRuntime(t, testConfig("alice", config.BrokerMemory, false), Options{Broker: broker})
	bob := startRuntime(t, testConfig("bob", config.BrokerMemory, false), Options{Broker: broker})
	if alice.Processor != nil {
		t.Fatal("unordered runtime built a processor")
	}
	exchange(t, alice, bob)
}

func TestRuntime_NATS(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}

	configure := func(user string) *config.Config {
		cfg := testConfig(user, config.BrokerNATS, true)
		cfg.NATSURL = srv.ClientURL()
		return cfg
	}
	alice := startRuntime(t, configure("alice"), Options{})
	bob := startRuntime(t, configure("bob"), Options{})
	exchange(t, alice, bob)
}

func TestRuntime_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	configure := func(user string) *config.Config {
		cfg := testConfig(user, config.BrokerRedis, true)
		cfg.RedisURL = "redis://" + mr.Addr()
		return cfg
	}
	alice := startRuntime(t, configure("alice"), Options{})
	bob := startRuntime(t, configure("bob"), Options{})
	exchange(t, alice, bob)
}

func TestRuntime_Relay(t *testing.T) {
	ts := httptest.NewServer(relay.NewServer(relay.Options{}).Handler())
	t.Cleanup(ts.Close)
	configure := func(user string) *config.Config {
		cfg := testConfig(user, config.BrokerRelay, true)
		cfg.RelayURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?user=" + user
		return cfg
	}
	alice := startRuntime(t, configure("alice"), Options{})
	bob := startRuntime(t, configure("bob"), Options{})
	if alice.Manager() == nil {
		t.Fatal("relay runtime has no connection manager")
	}

	// Give both subscribe announcements time to reach the relay.
	time.Sleep(50 * time.Millisecond)
	exchange(t, alice, bob)
}

func TestRuntime_RelayUnreachable(t *testing.T) {
	cfg := testConfig("alice", config.BrokerRelay, true)
	cfg.RelayURL = "ws://127.0.0.1:1/v1/ws"
	r, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	time.Sleep(50 * time.Millisecond)
	if st := r.Manager().State(); st != "disconnected" {
		t.Fatalf("manager state = %s after failed start, want disconnected", st)
	}
}

func TestRuntime_StopDeliversQueuedChanges(t *testing.T) {
	broker := events.NewMemoryBroker(events.MemoryBrokerOptions{})
	alice := startRuntime(t, testConfig("alice", config.BrokerMemory, true), Options{Broker: broker})
	bob := startRuntime(t, testConfig("bob", config.BrokerMemory, true), Options{Broker: broker})
	bobSeen := watch(bob, "lead")

	// Hold the drain on the first change so the rest pile up in the queue.
	release := make(chan struct{})
	var hold sync.Once
	bob.Processor.Subscribe(events.TypeSyncChange, func(context.Context, events.DomainEvent) error {
		hold.Do(func() { <-release })
		return nil
	})

	var ids []string
	for i := range 3 {
		ev := alice.Coordinator.SyncChange(context.Background(), events.SyncEvent{
			Type: events.ChangeUpdate, Entity: "lead", EntityID: "42",
			Data: map[string]any{"n": i},
		})
		ids = append(ids, ev.ID)
	}

	deadline := time.Now().Add(3 * time.Second)
	for bob.Processor.Len() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("queued = %d, want 2", bob.Processor.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- bob.Stop() }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop never returned")
	}
	for _, id := range ids {
		bobSeen.waitFor(t, id)
	}
	if n := bobSeen.count(); n != 3 {
		t.Fatalf("bob applied %d changes, want 3", n)
	}
}

func TestRuntime_StopIsSafeWithoutStart(t *testing.T) {
	r, err := New(testConfig("alice", config.BrokerMemory, true), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNew_RejectsUnknownSettings(t *testing.T) {
	cfg := testConfig("alice", "carrier-pigeon", true)
	if _, err := New(cfg, Options{}); err == nil {
		t.Fatal("expected error for unknown broker")
	}
	cfg = testConfig("alice", config.BrokerMemory, true)
	cfg.Clock = "sundial"
	if _, err := New(cfg, Options{}); err == nil {
		t.Fatal("expected error for unknown clock")
	}
}

func TestNew_AppliesConfiguredPolicies(t *testing.T) {
	cfg := testConfig("alice", config.BrokerMemory, false)
	cfg.Clock = syncer.ClockWall
	cfg.Policies = map[string]config.Policy{"lead": {Strategy: "manual"}}
	r, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var conflicts int
	r.Coordinator.SubscribeConflicts(func(syncer.Conflict) { conflicts++ })
	local := r.Coordinator.SyncChange(context.Background(), events.SyncEvent{Entity: "lead", EntityID: "42"})
	r.Coordinator.Receive(events.SyncEvent{
		ID: "r1", Entity: "lead", EntityID: "42", UserID: "bob", Timestamp: local.Timestamp - 1,
	})
	if conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1 under the configured manual policy", conflicts)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := policyFromConfig(config.Policy{Strategy: "merge"})
	if p.Strategy != syncer.Merge || p.Resolver == nil {
		t.Fatalf("merge policy = %+v", p)
	}
	p = policyFromConfig(config.Policy{Strategy: "last-write-wins"})
	if p.Strategy != syncer.LastWriteWins || p.Resolver != nil {
		t.Fatalf("lww policy = %+v", p)
	}
}
