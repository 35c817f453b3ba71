package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a DomainEvent variant and, on the wire, its payload shape.
type Type string

// Domain event types. The set is closed; anything else decodes as Unknown.
const (
	TypeEntityCreated Type = "entity.created"
	TypeEntityUpdated Type = "entity.updated"
	TypeEntityDeleted Type = "entity.deleted"
	TypeSyncChange    Type = "sync.change"
	TypeHealthMetric  Type = "health.metric"
	TypeNotification  Type = "notification"
)

// KnownTypes lists every DomainEvent variant in a stable order.
var KnownTypes = []Type{
	TypeEntityCreated,
	TypeEntityUpdated,
	TypeEntityDeleted,
	TypeSyncChange,
	TypeHealthMetric,
	TypeNotification,
}

// DomainEvent is a typed notification distributed through the bus.
type DomainEvent struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Source    string
	UserID    string
	Payload   Payload
}

// Payload is implemented by the DomainEvent variants below.
type Payload interface {
	EventType() Type
	isPayload()
}

type EntityCreated struct {
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Data     map[string]any `json:"data,omitempty"`
}

type EntityUpdated struct {
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Changes  map[string]any `json:"changes"` // field name -> new value
}

type EntityDeleted struct {
	Entity   string `json:"entity"`
	EntityID string `json:"entityId"`
}

type HealthMetric struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Unit   string            `json:"unit,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

type Notification struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// Unknown carries the raw payload of an event type this build does not know.
type Unknown struct {
	Raw json.RawMessage
}

func (EntityCreated) EventType() Type { return TypeEntityCreated }
func (EntityUpdated) EventType() Type { return TypeEntityUpdated }
func (EntityDeleted) EventType() Type { return TypeEntityDeleted }
func (SyncEvent) EventType() Type     { return TypeSyncChange }
func (HealthMetric) EventType() Type  { return TypeHealthMetric }
func (Notification) EventType() Type  { return TypeNotification }
func (Unknown) EventType() Type       { return "" }

func (EntityCreated) isPayload() {}
func (EntityUpdated) isPayload() {}
func (EntityDeleted) isPayload() {}
func (SyncEvent) isPayload()     {}
func (HealthMetric) isPayload()  {}
func (Notification) isPayload()  {}
func (Unknown) isPayload()       {}

// ChangeType is the intent of a SyncEvent.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// SyncEvent is one change intent for a record, local or remote. Timestamp is
// produced by the ordering clock of the originating session.
type SyncEvent struct {
	ID        string         `json:"id"`
	Type      ChangeType     `json:"type"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entityId"`
	Data      map[string]any `json:"data,omitempty"`
	UserID    string         `json:"userId"`
	Timestamp int64          `json:"timestamp"`
}

// SameRecord reports whether both events target the same (entity, entityId).
func (e SyncEvent) SameRecord(o SyncEvent) bool {
	return e.Entity == o.Entity && e.EntityID == o.EntityID
}

// wireEvent is the JSON body carried on the bus channel.
type wireEvent struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the event. The payload variant decides Type unless the
// payload is Unknown, in which case the event's own Type is kept.
func (e DomainEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Source:    e.Source,
		UserID:    e.UserID,
	}
	switch p := e.Payload.(type) {
	case nil:
	case Unknown:
		w.Payload = p.Raw
	default:
		w.Type = p.EventType()
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", w.Type, err)
		}
		w.Payload = raw
	}
	if w.Type == "" {
		return nil, fmt.Errorf("domain event %q has no type", e.ID)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a bus body into the matching payload variant.
func (e *DomainEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return fmt.Errorf("domain event missing type")
	}
	p, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return fmt.Errorf("decoding %s payload: %w", w.Type, err)
	}
	*e = DomainEvent{
		ID:        w.ID,
		Type:      w.Type,
		Timestamp: w.Timestamp,
		Source:    w.Source,
		UserID:    w.UserID,
		Payload:   p,
	}
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeEntityCreated:
		return decodeAs[EntityCreated](raw)
	case TypeEntityUpdated:
		return decodeAs[EntityUpdated](raw)
	case TypeEntityDeleted:
		return decodeAs[EntityDeleted](raw)
	case TypeSyncChange:
		return decodeAs[SyncEvent](raw)
	case TypeHealthMetric:
		return decodeAs[HealthMetric](raw)
	case TypeNotification:
		return decodeAs[Notification](raw)
	default:
		return Unknown{Raw: raw}, nil
	}
}

func decodeAs[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// IsKnown reports whether t is one of the DomainEvent variants.
func IsKnown(t Type) bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Handler receives domain events delivered by a Bus or a queue.Processor.
type Handler func(ctx context.Context, ev DomainEvent) error

// Publisher is the interface for emitting domain events.
type Publisher interface {
	Publish(ctx context.Context, ev DomainEvent) error
}

// Subscriber registers per-type handlers. The returned function removes the
// registration.
type Subscriber interface {
	Subscribe(t Type, h Handler) (unsubscribe func())
}

// Broker moves serialized events between processes on named channels.
type Broker interface {
	// Connect establishes the broker connection. Calling it again is a no-op
	// while the connection is up and re-establishes it otherwise.
	Connect(ctx context.Context) error
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe delivers raw payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(channel string) (<-chan []byte, func(), error)
	Close() error
}
