package eventstore

import "time"

// Event is a persisted lifecycle event.
type Event interface {
	ID() int64
	// Subject is the entity the event is about: a POM key, a job ID or "sidecar".
	Subject() string
	Type() string
	Timestamp() time.Time
	// Payload is the JSON encoding of the published event.
	Payload() []byte
	Metadata() map[string]string
}

// BaseEvent provides a default implementation of Event.
type BaseEvent struct {
	EventID        int64
	EventSubject   string
	EventType      string
	EventTimestamp time.Time
	EventPayload   []byte
	EventMetadata  map[string]string
}

func (e *BaseEvent) ID() int64                   { return e.EventID }
func (e *BaseEvent) Subject() string             { return e.EventSubject }
func (e *BaseEvent) Type() string                { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time        { return e.EventTimestamp }
func (e *BaseEvent) Payload() []byte             { return e.EventPayload }
func (e *BaseEvent) Metadata() map[string]string { return e.EventMetadata }
