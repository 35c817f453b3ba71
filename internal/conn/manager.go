// Package conn manages one duplex connection to a relay: connect, bounded
// fixed-interval reconnect, heartbeat, and typed subscribe/send over JSON
// envelopes of the form {"type": ..., ...payload}.
//
// State machine:
//
//	disconnected --Connect--> connecting --open--> connected
//	connected --close/error--> disconnected --> reconnecting --interval--> connecting
//
// After MaxReconnectAttempts consecutive failed attempts the manager stays
// disconnected until Connect is called again.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/livesync/internal/fanout"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Reserved envelope types.
const (
	TypePing = "ping"
	TypePong = "pong"

	// Pseudo-types dispatched on lifecycle changes.
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// ErrNotConnected is returned by Send when the manager is not connected.
var ErrNotConnected = errors.New("conn: not connected")

var pingFrame = []byte(`{"type":"ping"}`)

// Message is one inbound envelope. Raw holds the complete JSON body.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the full envelope into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Handler receives inbound messages of one type.
type Handler func(ctx context.Context, msg Message) error

// Transport is one open duplex connection.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// Options configures a Manager. Zero durations and counts take the defaults.
type Options struct {
	URL                  string
	Dialer               Dialer
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	Logger               *slog.Logger
}

// Manager owns one duplex connection.
type Manager struct {
	opts   Options
	logger *slog.Logger

	handlers fanout.Registry[Handler]

	mu        sync.Mutex
	state     State
	attempts  int
	transport Transport
	// gen identifies the current connection; callbacks from an older
	// generation are ignored.
	gen            uint64
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	lastPong       time.Time
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.With("component", "conn", "url", opts.URL),
		state:  StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts since the last successful
// connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastPong returns when the last heartbeat reply arrived.
func (m *Manager) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}

// Connect opens the transport. It is a no-op while connecting or connected.
// A dial failure is returned and also schedules a reconnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.stopReconnectLocked()
	m.attempts = 0
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	return m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	t, err := m.opts.Dialer.Dial(ctx, m.opts.URL)

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect ran while we were dialing.
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return ErrNotConnected
	}
	if err != nil {
		m.state = StateDisconnected
		m.logger.Warn("dial failed", "err", err, "attempt", m.attempts)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return fmt.Errorf("dialing %s: %w", m.opts.URL, err)
	}
	m.transport = t
	m.state = StateConnected
	m.attempts = 0
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()

	m.logger.Info("connected")
	m.emit(EventConnected)
	go m.heartbeat(t, gen, stop)
	go m.readLoop(t, gen)
	return nil
}

// scheduleReconnectLocked arms the reconnect timer unless the attempt budget
// is spent. Callers hold m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.logger.Error("giving up reconnecting", "attempts", m.attempts)
		m.state = StateDisconnected
		return
	}
	m.attempts++
	m.state = StateReconnecting
	gen := m.gen
	m.logger.Info("reconnect scheduled", "attempt", m.attempts, "in", m.opts.ReconnectInterval)
	m.reconnectTimer = time.AfterFunc(m.opts.ReconnectInterval, func() {
		m.reconnect(gen)
	})
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.state = StateConnecting
	m.gen++
	next := m.gen
	m.mu.Unlock()

	// Failures are logged and rescheduled inside dial.
	_ = m.dial(context.Background(), next)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) closeTransportLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
}

// handleDrop tears down a connection that failed underneath us and starts the
// reconnect path. Drops reported for an older generation are ignored.
func (m *Manager) handleDrop(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.closeTransportLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Warn("connection lost", "err", cause)
	m.emit(EventDisconnected)

	m.mu.Lock()
	if gen == m.gen && m.state == StateDisconnected {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()
}

func (m *Manager) heartbeat(t Transport, gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.WriteMessage(pingFrame); err != nil {
				m.handleDrop(gen, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (m *Manager) readLoop(t Transport, gen uint64) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}
		m.handleInbound(data)
	}
}

func (m *Manager) handleInbound(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("dropping malformed message", "err", err, "bytes", len(data))
		return
	}
	if env.Type == "" {
		m.logger.Warn("dropping message without type", "bytes", len(data))
		return
	}
	if env.Type == TypePong {
		m.mu.Lock()
		m.lastPong = time.Now()
		m.mu.Unlock()
		return
	}
	m.dispatch(Message{Type: env.Type, Raw: data})
}

func (m *Manager) emit(eventType string) {
	raw, _ := json.Marshal(map[string]string{"type": eventType})
	m.dispatch(Message{Type: eventType, Raw: raw})
}

func (m *Manager) dispatch(msg Message) {
	ctx := context.Background()
	for _, h := range m.handlers.Handlers(msg.Type) {
		_ = fanout.Invoke(m.logger, "message handler failed", func() error {
			return h(ctx, msg)
		}, "type", msg.Type)
	}
}

// Subscribe registers h for inbound messages of the given type, or for the
// EventConnected/EventDisconnected pseudo-types. Pong messages never reach
// handlers.
func (m *Manager) Subscribe(msgType string, h Handler) func() {
	return m.handlers.Add(msgType, h)
}

// Send marshals v and writes it. Nothing is buffered: while not connected the
// message is dropped and ErrNotConnected returned.
func (m *Manager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	m.mu.Lock()
	t, state, gen := m.transport, m.state, m.gen
	m.mu.Unlock()

	if state != StateConnected || t == nil {
		m.logger.Warn("dropping send while not connected", "state", state)
		return ErrNotConnected
	}
	if err := t.WriteMessage(data); err != nil {
		m.handleDrop(gen, err)
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Disconnect cancels any pending reconnect and the heartbeat, closes the
// transport and clears every handler registration.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopReconnectLocked()
	m.closeTransportLocked()
	m.state = StateDisconnected
	m.attempts = 0
	m.mu.Unlock()

	m.handlers.Reset()
	m.logger.Info("disconnected")
}
