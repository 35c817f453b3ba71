package relay

import (
	"strings"
	"sync"
	"sync/atomic"
)

// ringBufferSize is the number of recent frames kept for ?since= replay.
const ringBufferSize = 1000

// frame is one broadcast envelope stored in the ring buffer.
type frame struct {
	Seq     uint64
	Channel string
	Data    []byte // encoded "event" envelope
}

// hub fans published events out to connected clients and keeps a ring
// buffer for replay after reconnects.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	nextSeq atomic.Uint64

	ringMu  sync.RWMutex
	ring    [ringBufferSize]frame
	ringPos int // next write position (wraps around)
	ringLen int // number of valid entries (up to ringBufferSize)
}

// client is one connected socket.
type client struct {
	user string
	send chan []byte

	mu       sync.Mutex
	channels []string // channel patterns to match
	// filtered is false until the client names a channel; unfiltered clients
	// receive everything.
	filtered bool
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

// broadcast assigns the next sequence number, encodes the frame with enc and
// delivers it to every client whose patterns match channel.
func (h *hub) broadcast(channel string, enc func(seq uint64) []byte) uint64 {
	seq := h.nextSeq.Add(1)
	f := frame{Seq: seq, Channel: channel, Data: enc(seq)}

	h.ringMu.Lock()
	h.ring[h.ringPos] = f
	h.ringPos = (h.ringPos + 1) % ringBufferSize
	if h.ringLen < ringBufferSize {
		h.ringLen++
	}
	h.ringMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.matches(channel) {
			c.enqueue(f.Data)
		}
	}
	return seq
}

func (h *hub) subscribe(user string, channels []string) *client {
	c := &client{
		user:     user,
		channels: channels,
		filtered: len(channels) > 0,
		send:     make(chan []byte, 64),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) unsubscribe(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// framesSince returns buffered frames with Seq > lastSeq, oldest first.
func (h *hub) framesSince(lastSeq uint64) []frame {
	h.ringMu.RLock()
	defer h.ringMu.RUnlock()

	if h.ringLen == 0 {
		return nil
	}
	var result []frame
	start := h.ringPos - h.ringLen
	if start < 0 {
		start += ringBufferSize
	}
	for i := range h.ringLen {
		f := h.ring[(start+i)%ringBufferSize]
		if f.Seq > lastSeq {
			result = append(result, f)
		}
	}
	return result
}

// enqueue drops the frame if the client is slow rather than blocking the
// publisher.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) addChannel(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filtered = true
	for _, p := range c.channels {
		if p == pattern {
			return
		}
	}
	c.channels = append(c.channels, pattern)
}

func (c *client) removeChannel(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.channels[:0]
	for _, p := range c.channels {
		if p != pattern {
			out = append(out, p)
		}
	}
	c.channels = out
}

// matches reports whether the client's channel patterns match channel.
func (c *client) matches(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.filtered {
		return true
	}
	for _, pattern := range c.channels {
		if matchChannelPattern(pattern, channel) {
			return true
		}
	}
	return false
}

// matchChannelPattern matches a dot-separated channel against a pattern.
// "*" matches one segment and a trailing ">" matches one or more segments,
// as in NATS subjects.
func matchChannelPattern(pattern, channel string) bool {
	if pattern == channel {
		return true
	}

	patParts := strings.Split(pattern, ".")
	chParts := strings.Split(channel, ".")

	for i, pp := range patParts {
		if pp == ">" {
			return i < len(chParts)
		}
		if i >= len(chParts) {
			return false
		}
		if pp != "*" && pp != chParts[i] {
			return false
		}
	}
	return len(patParts) == len(chParts)
}
