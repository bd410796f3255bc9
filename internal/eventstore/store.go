package eventstore

import (
	"context"
	"time"
)

// Store persists lifecycle events and reads them back in append order.
type Store interface {
	// Append adds an event. A zero occurredAt records the current time.
	Append(ctx context.Context, subject, eventType string, occurredAt time.Time, payload []byte, metadata map[string]string) error

	// GetBySubject returns all events recorded for subject.
	GetBySubject(ctx context.Context, subject string) ([]Event, error)

	// GetRange returns events that occurred within [start, end].
	GetRange(ctx context.Context, start, end time.Time) ([]Event, error)

	// Recent returns the newest limit events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)

	Close() error
}
