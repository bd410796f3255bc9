package events

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
)

// Bus is a typed in-process event bus.
//
// Subscriptions are typed through generics. Publish applies backpressure: it
// blocks until every matching subscriber accepted the event or ctx ends.
// TryPublish drops the event for subscribers whose buffer is full. Close
// closes every subscription channel.
//
// The bus is not durable; internal/eventstore records what must survive.
type Bus struct {
	mu        sync.RWMutex
	subs      map[reflect.Type]map[uint64]*subscriber
	nextID    atomic.Uint64
	isClosed  atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64
}

type subscriber struct {
	send  func(ctx context.Context, evt any, wait bool) (bool, error)
	close func()
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[reflect.Type]map[uint64]*subscriber),
	}
}

// Subscribe registers a subscription for events of type T.
//
// If T is an interface, published events whose concrete type implements T are
// delivered. For concrete T only exact type matches are delivered.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	eventType := reflect.TypeFor[T]()
	ch := make(chan T, buffer)

	if b.isClosed.Load() {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID.Add(1)

	var closeOnce sync.Once
	closeChannel := func() {
		closeOnce.Do(func() { close(ch) })
	}

	var unsubOnce sync.Once
	unsubscribe := func() {
		unsubOnce.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if typeSubs, ok := b.subs[eventType]; ok {
				delete(typeSubs, id)
				if len(typeSubs) == 0 {
					delete(b.subs, eventType)
				}
			}
			closeChannel()
		})
	}

	sub := &subscriber{
		send: func(ctx context.Context, evt any, wait bool) (bool, error) {
			v, ok := evt.(T)
			if !ok {
				return false, ferrors.InternalError("event type mismatch").
					WithContext("expected", eventType.String()).
					WithContext("actual", reflect.TypeOf(evt).String()).
					Build()
			}
			if !wait {
				select {
				case ch <- v:
					return true, nil
				default:
					return false, nil
				}
			}
			select {
			case ch <- v:
				return true, nil
			case <-ctx.Done():
				return false, ferrors.WrapError(ctx.Err(), ferrors.CategoryRuntime, "event publish canceled").
					WithContext("event_type", eventType.String()).
					Build()
			}
		},
		close: closeChannel,
	}

	// Sends happen under the read lock and closes under the write lock.
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed.Load() {
		closeChannel()
		return ch, func() {}
	}
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[uint64]*subscriber)
	}
	b.subs[eventType][id] = sub

	return ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers for events of type T.
func SubscriberCount[T any](b *Bus) int {
	if b == nil {
		return 0
	}
	eventType := reflect.TypeFor[T]()

	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Publish delivers evt to all matching subscribers, blocking on full buffers
// until ctx ends.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	_, err := b.publish(ctx, evt, true)
	return err
}

// TryPublish delivers evt without blocking and returns how many subscribers
// received it. Subscribers with a full buffer miss the event.
func (b *Bus) TryPublish(evt any) (int, error) {
	return b.publish(context.Background(), evt, false)
}

// Dropped returns the number of deliveries TryPublish skipped.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) publish(ctx context.Context, evt any, wait bool) (int, error) {
	if b == nil {
		return 0, nil
	}
	if evt == nil {
		return 0, ferrors.ValidationError("event cannot be nil").Build()
	}
	if ctx == nil {
		return 0, ferrors.ValidationError("context cannot be nil").Build()
	}
	if b.isClosed.Load() {
		return 0, ferrors.DaemonError("event bus is closed").Build()
	}

	evtType := reflect.TypeOf(evt)

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for subType, typeSubs := range b.subs {
		match := subType == evtType
		if !match && subType.Kind() == reflect.Interface {
			match = evtType.Implements(subType)
		}
		if !match {
			continue
		}
		for _, s := range typeSubs {
			ok, err := s.send(ctx, evt, wait)
			if err != nil {
				return delivered, err
			}
			if ok {
				delivered++
			} else {
				b.dropped.Add(1)
			}
		}
	}
	return delivered, nil
}

// Close closes the bus and all subscription channels.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.isClosed.Store(true)

		b.mu.Lock()
		toClose := make([]*subscriber, 0)
		for _, typeSubs := range b.subs {
			for _, s := range typeSubs {
				toClose = append(toClose, s)
			}
		}
		b.subs = make(map[reflect.Type]map[uint64]*subscriber)
		b.mu.Unlock()

		for _, s := range toClose {
			s.close()
		}
	})
}
