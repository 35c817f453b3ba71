// Package presence tracks which users are live on the relay.
//
// The relay calls Connected/Disconnected as sockets come and go and Record for
// every envelope a user sends. A background reaper marks users with no open
// socket and no recent traffic as gone, and later evicts them so the roster
// does not grow without bound.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry is a snapshot of one user's presence.
type Entry struct {
	User         string    `json:"user"`
	LastSeen     time.Time `json:"last_seen"`
	FirstSeen    time.Time `json:"first_seen"`
	LastMessage  string    `json:"last_message,omitempty"` // envelope type, e.g. "publish", "ping"
	LastChannel  string    `json:"last_channel,omitempty"`
	Connections  int       `json:"connections"`
	IdleSecs     float64   `json:"idle_secs"`
	MessageCount int64     `json:"message_count"`
	Reaped       bool      `json:"reaped,omitempty"`
	ReapedAt     time.Time `json:"reaped_at,omitempty"`
}

// Activity is one envelope received from a user.
type Activity struct {
	User        string
	MessageType string
	Channel     string
}

// ReaperConfig configures the background reaper.
type ReaperConfig struct {
	// DeadThreshold is how long a user without open sockets must be idle
	// before being marked gone. Default: 5 minutes.
	DeadThreshold time.Duration

	// EvictAfter is how long after being reaped before a user is removed from
	// the roster. Default: 30 minutes.
	EvictAfter time.Duration

	// SweepInterval is how often the reaper scans. Default: 30 seconds.
	SweepInterval time.Duration

	// OnGone is called for each user newly marked gone, outside the lock.
	OnGone func(user string)
}

// Tracker maintains an in-memory roster of relay users.
type Tracker struct {
	mu    sync.RWMutex
	users map[string]*userState

	reaperStop chan struct{}
	reaperDone chan struct{}
}

type userState struct {
	firstSeen    time.Time
	lastSeen     time.Time
	lastMessage  string
	lastChannel  string
	connections  int
	messageCount int64
	reaped       bool
	reapedAt     time.Time
}

func New() *Tracker {
	return &Tracker{users: make(map[string]*userState)}
}

// touchLocked returns the state for user, creating or resurrecting it.
func (t *Tracker) touchLocked(user string, now time.Time) *userState {
	state, ok := t.users[user]
	if !ok {
		state = &userState{firstSeen: now}
		t.users[user] = state
	}
	if state.reaped {
		slog.Info("presence: user back", "user", user)
		state.reaped = false
		state.reapedAt = time.Time{}
	}
	state.lastSeen = now
	return state
}

// Connected records a newly opened socket for user.
func (t *Tracker) Connected(user string) {
	if user == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touchLocked(user, time.Now()).connections++
}

// Disconnected records a closed socket for user.
func (t *Tracker) Disconnected(user string) {
	if user == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.users[user]
	if !ok {
		return
	}
	state.lastSeen = time.Now()
	if state.connections > 0 {
		state.connections--
	}
}

// Record updates presence for one received envelope.
func (t *Tracker) Record(a Activity) {
	if a.User == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.touchLocked(a.User, time.Now())
	state.lastMessage = a.MessageType
	state.messageCount++
	if a.Channel != "" {
		state.lastChannel = a.Channel
	}
}

// Roster returns all tracked users, most recently active first. Users idle
// longer than staleThreshold are left out; pass 0 to include everyone.
func (t *Tracker) Roster(staleThreshold time.Duration) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	entries := make([]Entry, 0, len(t.users))
	for user, state := range t.users {
		idle := now.Sub(state.lastSeen)
		if staleThreshold > 0 && idle > staleThreshold && state.connections == 0 {
			continue
		}
		entries = append(entries, Entry{
			User:         user,
			LastSeen:     state.lastSeen,
			FirstSeen:    state.firstSeen,
			LastMessage:  state.lastMessage,
			LastChannel:  state.lastChannel,
			Connections:  state.connections,
			IdleSecs:     idle.Seconds(),
			MessageCount: state.messageCount,
			Reaped:       state.reaped,
			ReapedAt:     state.reapedAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})
	return entries
}

// StartReaper launches the background reaper. Call Stop to shut it down.
func (t *Tracker) StartReaper(cfg *ReaperConfig) {
	if cfg == nil {
		cfg = &ReaperConfig{}
	}
	if cfg.DeadThreshold == 0 {
		cfg.DeadThreshold = 5 * time.Minute
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 30 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	t.reaperStop = make(chan struct{})
	t.reaperDone = make(chan struct{})

	go t.reapLoop(cfg)
	slog.Info("presence: reaper started",
		"dead_threshold", cfg.DeadThreshold,
		"sweep_interval", cfg.SweepInterval)
}

// Stop shuts down the reaper goroutine.
func (t *Tracker) Stop() {
	if t.reaperStop != nil {
		close(t.reaperStop)
		<-t.reaperDone
		t.reaperStop = nil
		t.reaperDone = nil
	}
}

func (t *Tracker) reapLoop(cfg *ReaperConfig) {
	defer close(t.reaperDone)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.reaperStop:
			return
		case <-ticker.C:
			t.sweep(cfg)
		}
	}
}

func (t *Tracker) sweep(cfg *ReaperConfig) {
	now := time.Now()
	var gone []string

	t.mu.Lock()
	for user, state := range t.users {
		if state.reaped {
			if !state.reapedAt.IsZero() && now.Sub(state.reapedAt) > cfg.EvictAfter {
				delete(t.users, user)
			}
			continue
		}
		if state.connections > 0 {
			continue
		}
		if now.Sub(state.lastSeen) > cfg.DeadThreshold {
			state.reaped = true
			state.reapedAt = now
			gone = append(gone, user)
		}
	}
	t.mu.Unlock()

	for _, user := range gone {
		slog.Info("presence: user gone", "user", user, "threshold", cfg.DeadThreshold)
		if cfg.OnGone != nil {
			cfg.OnGone(user)
		}
	}
}
