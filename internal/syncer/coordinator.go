// Package syncer tracks locally originated changes and reconciles them with
// changes arriving from other sessions.
//
// Local changes are stamped, kept as pending, published as sync.change
// domain events and echoed to local listeners straight away. A remote change
// conflicts with a pending one when both target the same record and the
// pending change is strictly newer; the entity's Policy then decides what is
// applied. Pending entries are never acknowledged or expired; callers clear
// them explicitly.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/alfredjeanlab/livesync/internal/events"
	"github.com/alfredjeanlab/livesync/internal/fanout"
	"github.com/alfredjeanlab/livesync/internal/idgen"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	LastWriteWins Strategy = "last-write-wins"
	Merge         Strategy = "merge"
	Manual        Strategy = "manual"
)

// Resolver merges the data of two conflicting changes. It must be pure.
type Resolver func(local, remote map[string]any) map[string]any

// Policy is the conflict handling registered for one entity type.
type Policy struct {
	Strategy Strategy
	Resolver Resolver // required for Merge
}

// Conflict carries both sides of an unresolved (manual) conflict.
type Conflict struct {
	Local  events.SyncEvent
	Remote events.SyncEvent
}

// Listener is notified of every change applied to an entity type.
type Listener func(ev events.SyncEvent)

// ConflictListener is notified of conflicts left for manual resolution.
type ConflictListener func(c Conflict)

// Options configures a Coordinator.
type Options struct {
	// UserID identifies this session. Remote changes carrying it are our own
	// echoes and are discarded.
	UserID string
	// Source is stamped on published domain events.
	Source string
	// Publisher carries local changes to other sessions. May be nil.
	Publisher events.Publisher
	// Clock defaults to WallClock.
	Clock  Clock
	Logger *slog.Logger
}

type recordKey struct {
	entity, id string
}

// Coordinator owns the pending change set and the conflict policies.
type Coordinator struct {
	userID    string
	source    string
	publisher events.Publisher
	clock     Clock
	logger    *slog.Logger

	listeners fanout.Registry[Listener]
	conflicts fanout.Registry[ConflictListener]

	// resolveMu serializes conflict detection with the update of current so
	// a pending change cannot slip in between the two. Listeners run after it
	// is released.
	resolveMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]events.SyncEvent
	policies map[string]Policy
	current  map[recordKey]events.SyncEvent
}

func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = WallClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		userID:    opts.UserID,
		source:    opts.Source,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "syncer", "user", opts.UserID),
		pending:   make(map[string]events.SyncEvent),
		policies:  make(map[string]Policy),
		current:   make(map[recordKey]events.SyncEvent),
	}
}

// SyncChange stamps change with a fresh id, timestamp and this session's
// user, records it as pending, publishes it and notifies local listeners.
// Listeners are notified even when publishing fails; the failure is logged
// and the pending entry kept.
func (c *Coordinator) SyncChange(ctx context.Context, change events.SyncEvent) events.SyncEvent {
	change.ID = idgen.ChangeID()
	change.Timestamp = c.clock.Now()
	if change.UserID == "" {
		change.UserID = c.userID
	}
	if change.Type == "" {
		change.Type = events.ChangeUpdate
	}

	c.resolveMu.Lock()
	c.mu.Lock()
	c.pending[change.ID] = change
	c.current[recordKey{change.Entity, change.EntityID}] = change
	c.mu.Unlock()
	c.resolveMu.Unlock()

	if err := c.publish(ctx, change); err != nil {
		c.logger.Error("publishing change", "err", err, "change", change.ID, "entity", change.Entity, "entity_id", change.EntityID)
	}
	c.notify(change)
	return change
}

func (c *Coordinator) publish(ctx context.Context, change events.SyncEvent) error {
	if c.publisher == nil {
		return fmt.Errorf("no publisher configured")
	}
	return c.publisher.Publish(ctx, events.DomainEvent{
		Type:    events.TypeSyncChange,
		Source:  c.source,
		UserID:  change.UserID,
		Payload: change,
	})
}

// Attach routes sync.change events from sub into the coordinator and returns
// the unsubscribe function.
func (c *Coordinator) Attach(sub events.Subscriber) func() {
	return sub.Subscribe(events.TypeSyncChange, c.HandleRemote)
}

// HandleRemote is the events.Handler for inbound sync.change events.
func (c *Coordinator) HandleRemote(_ context.Context, ev events.DomainEvent) error {
	remote, ok := ev.Payload.(events.SyncEvent)
	if !ok {
		return fmt.Errorf("event %s: payload %T is not a sync change", ev.ID, ev.Payload)
	}
	c.Receive(remote)
	return nil
}

// Receive runs conflict detection and resolution for one remote change.
func (c *Coordinator) Receive(remote events.SyncEvent) {
	if c.userID != "" && remote.UserID == c.userID {
		return
	}
	c.clock.Observe(remote.Timestamp)

	c.resolveMu.Lock()
	out := c.resolve(remote)
	c.resolveMu.Unlock()

	switch {
	case out.applied != nil:
		c.notify(*out.applied)
	case out.conflict != nil:
		c.notifyConflict(*out.conflict)
	}
}

// outcome carries what resolve decided. Both fields are nil when the remote
// change lost.
type outcome struct {
	applied  *events.SyncEvent
	conflict *Conflict
}

// resolve decides the fate of remote and records the applied change. Callers
// hold c.resolveMu.
func (c *Coordinator) resolve(remote events.SyncEvent) outcome {
	c.mu.Lock()
	local, conflict := c.conflictingLocked(remote)
	policy, hasPolicy := c.policies[remote.Entity]
	c.mu.Unlock()

	if !conflict {
		return c.record(remote)
	}
	if !hasPolicy {
		policy = Policy{Strategy: LastWriteWins}
	}

	log := c.logger.With("entity", remote.Entity, "entity_id", remote.EntityID,
		"local", local.ID, "remote", remote.ID, "strategy", policy.Strategy)

	switch policy.Strategy {
	case Merge:
		if policy.Resolver == nil {
			log.Warn("merge policy without resolver, using last-write-wins")
			return c.lastWriteWins(local, remote)
		}
		merged := c.merge(local, remote, policy.Resolver)
		log.Info("conflict merged", "merged", merged.ID)
		return c.record(merged)
	case Manual:
		log.Info("conflict left for manual resolution")
		return outcome{conflict: &Conflict{Local: local, Remote: remote}}
	default:
		return c.lastWriteWins(local, remote)
	}
}

// conflictingLocked returns the newest pending change for the same record
// that is strictly newer than remote. Callers hold c.mu.
func (c *Coordinator) conflictingLocked(remote events.SyncEvent) (events.SyncEvent, bool) {
	var (
		found events.SyncEvent
		ok    bool
	)
	for _, p := range c.pending {
		if !p.SameRecord(remote) || p.Timestamp <= remote.Timestamp {
			continue
		}
		if !ok || p.Timestamp > found.Timestamp {
			found, ok = p, true
		}
	}
	return found, ok
}

func (c *Coordinator) lastWriteWins(local, remote events.SyncEvent) outcome {
	if remote.Timestamp > local.Timestamp {
		return c.record(remote)
	}
	c.logger.Debug("remote change discarded", "remote", remote.ID, "local", local.ID)
	return outcome{}
}

func (c *Coordinator) merge(local, remote events.SyncEvent, resolve Resolver) events.SyncEvent {
	ts := max(local.Timestamp, remote.Timestamp) + 1
	if now := c.clock.Now(); now > ts {
		ts = now
	}
	return events.SyncEvent{
		ID:        idgen.ChangeID(),
		Type:      events.ChangeUpdate,
		Entity:    local.Entity,
		EntityID:  local.EntityID,
		Data:      resolve(local.Data, remote.Data),
		UserID:    c.userID,
		Timestamp: ts,
	}
}

func (c *Coordinator) record(ev events.SyncEvent) outcome {
	c.mu.Lock()
	c.current[recordKey{ev.Entity, ev.EntityID}] = ev
	c.mu.Unlock()
	return outcome{applied: &ev}
}

func (c *Coordinator) notify(ev events.SyncEvent) {
	for _, l := range c.listeners.Handlers(ev.Entity) {
		_ = fanout.Invoke(c.logger, "entity listener failed", func() error {
			l(ev)
			return nil
		}, "entity", ev.Entity, "change", ev.ID)
	}
}

func (c *Coordinator) notifyConflict(cf Conflict) {
	for _, l := range c.conflicts.Handlers("") {
		_ = fanout.Invoke(c.logger, "conflict listener failed", func() error {
			l(cf)
			return nil
		}, "entity", cf.Remote.Entity)
	}
}

// SetConflictPolicy registers p for entity, replacing any earlier policy.
func (c *Coordinator) SetConflictPolicy(entity string, p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[entity] = p
}

// SubscribeToEntity registers l for changes applied to entity.
func (c *Coordinator) SubscribeToEntity(entity string, l Listener) func() {
	return c.listeners.Add(entity, l)
}

// SubscribeConflicts registers l for manual-resolution conflicts.
func (c *Coordinator) SubscribeConflicts(l ConflictListener) func() {
	return c.conflicts.Add("", l)
}

// Current returns the last change applied to a record.
func (c *Coordinator) Current(entity, entityID string) (events.SyncEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.current[recordKey{entity, entityID}]
	return ev, ok
}

// PendingChanges returns a copy of the pending set keyed by change id.
func (c *Coordinator) PendingChanges() map[string]events.SyncEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.pending)
}

// ClearPendingChanges evicts every pending change.
func (c *Coordinator) ClearPendingChanges() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.pending)
}

// ClearPending evicts one pending change and reports whether it existed.
func (c *Coordinator) ClearPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

// MergeFields is a field-level Resolver: the result holds every key from both
// sides, with local values winning where both set a key.
func MergeFields(local, remote map[string]any) map[string]any {
	out := make(map[string]any, len(local)+len(remote))
	maps.Copy(out, remote)
	maps.Copy(out, local)
	return out
}
