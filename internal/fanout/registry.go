// Package fanout holds the per-type handler registry shared by the connection
// manager, the event bus and the event processor.
//
// Registrations are keyed by a type string. Handlers for a key are returned in
// registration order as a copy, so callers can iterate while handlers
// unsubscribe themselves (or others) mid-dispatch.
package fanout

import (
	"fmt"
	"log/slog"
	"sync"
)

type entry[H any] struct {
	id uint64
	h  H
}

// Registry maps a type key to an ordered list of handlers.
// The zero value is ready to use.
type Registry[H any] struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string][]entry[H]
}

// Add registers h under key and returns a function that removes exactly this
// registration. Calling the returned function more than once is a no-op.
func (r *Registry[H]) Add(key string, h H) func() {
	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[string][]entry[H])
	}
	r.seq++
	id := r.seq
	r.subs[key] = append(r.subs[key], entry[H]{id: id, h: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(key, id) })
	}
}

func (r *Registry[H]) remove(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[key]
	for i, e := range list {
		if e.id != id {
			continue
		}
		// Build a fresh slice so snapshots handed out earlier stay intact.
		next := make([]entry[H], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, key)
		} else {
			r.subs[key] = next
		}
		return
	}
}

// Handlers returns a snapshot of the handlers registered for key.
func (r *Registry[H]) Handlers(key string) []H {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[key]
	if len(list) == 0 {
		return nil
	}
	out := make([]H, len(list))
	for i, e := range list {
		out[i] = e.h
	}
	return out
}

// Len reports how many handlers are registered for key.
func (r *Registry[H]) Len(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}

// Keys returns every key with at least one registration.
func (r *Registry[H]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	return keys
}

// Reset drops every registration. Unsubscribe functions handed out before the
// reset become no-ops.
func (r *Registry[H]) Reset() {
	r.mu.Lock()
	r.subs = nil
	r.mu.Unlock()
}

// Invoke runs fn, converting a panic into an error and logging any failure
// with the given attributes. It never lets a handler failure escape.
func Invoke(logger *slog.Logger, msg string, fn func() error, attrs ...any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			logger.Error(msg, append(attrs, "err", err)...)
		}
	}()
	return fn()
}
