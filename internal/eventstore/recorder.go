package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"git.home.luguber.info/inful/licensetool/internal/events"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
)

const defaultRecorderBuffer = 256

// Recorder persists every event published on a bus and keeps a projection
// current.
type Recorder struct {
	store      Store
	projection *ManifestHistoryProjection
	logger     *slog.Logger
	ch         <-chan events.Event
	unsub      func()
}

// NewRecorder subscribes to bus immediately so no event published after it
// returns is missed. projection may be nil.
func NewRecorder(bus *events.Bus, store Store, projection *ManifestHistoryProjection, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	ch, unsub := events.Subscribe[events.Event](bus, defaultRecorderBuffer)
	return &Recorder{
		store:      store,
		projection: projection,
		logger:     logger,
		ch:         ch,
		unsub:      unsub,
	}
}

// Run records events until the bus closes or ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-r.ch:
			if !ok {
				return
			}
			if err := r.Record(ctx, evt); err != nil {
				r.logger.Warn("Failed to record event", slog.String("event", evt.Name()), logfields.Error(err))
			}
		}
	}
}

// Record persists one event and applies it to the projection.
func (r *Recorder) Record(ctx context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return storeError(ErrMarshalPayloadFailed, err)
	}
	if err := r.store.Append(ctx, evt.Subject(), evt.Name(), evt.OccurredAt(), payload, nil); err != nil {
		return err
	}
	if r.projection != nil {
		r.projection.Apply(&BaseEvent{
			EventSubject:   evt.Subject(),
			EventType:      evt.Name(),
			EventTimestamp: evt.OccurredAt(),
			EventPayload:   payload,
		})
	}
	return nil
}
