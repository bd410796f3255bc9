// Package eventstore persists orchestration lifecycle events in SQLite and
// derives manifest generation history from them.
package eventstore

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/licensetool/internal/events"
)

const (
	runStatusRunning   = "running"
	runStatusSucceeded = "succeeded"
	runStatusFailed    = "failed"
	runStatusCanceled  = "canceled"
)

// ManifestSummary is the read model of one POM's generation history.
type ManifestSummary struct {
	Key             string        `json:"key"`
	Status          string        `json:"status"`
	Runs            int           `json:"runs"`
	Joins           int           `json:"joins"`
	Failures        int           `json:"failures"`
	LastPath        string        `json:"last_path,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	LastRequestedAt time.Time     `json:"last_requested_at"`
	LastFinishedAt  *time.Time    `json:"last_finished_at,omitempty"`
	LastDuration    time.Duration `json:"last_duration,omitempty"`
}

// ManifestHistoryProjection maintains an in-memory view of manifest runs,
// reconstructed from the event store and updated as events are recorded.
type ManifestHistoryProjection struct {
	mu       sync.RWMutex
	store    Store
	byKey    map[string]*ManifestSummary
	lastSync time.Time
}

func NewManifestHistoryProjection(store Store) *ManifestHistoryProjection {
	return &ManifestHistoryProjection{
		store: store,
		byKey: make(map[string]*ManifestSummary),
	}
}

// Rebuild replays every stored event.
func (p *ManifestHistoryProjection) Rebuild(ctx context.Context) error {
	all, err := p.store.GetRange(ctx, time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		return storeError(ErrProjectionRebuildFailed, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.byKey = make(map[string]*ManifestSummary)
	for _, e := range all {
		p.applyLocked(e)
	}
	p.lastSync = time.Now()
	return nil
}

// Apply updates the projection with one recorded event.
func (p *ManifestHistoryProjection) Apply(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(e)
}

func (p *ManifestHistoryProjection) applyLocked(e Event) {
	switch e.Type() {
	case events.NameManifestRequested, events.NameManifestGenerated, events.NameManifestFailed:
	default:
		return
	}
	key := e.Subject()
	if key == "" {
		return
	}
	s, ok := p.byKey[key]
	if !ok {
		s = &ManifestSummary{Key: key}
		p.byKey[key] = s
	}

	switch e.Type() {
	case events.NameManifestRequested:
		var evt events.ManifestRequested
		if json.Unmarshal(e.Payload(), &evt) != nil {
			return
		}
		if evt.Joined {
			s.Joins++
			return
		}
		s.Runs++
		s.Status = runStatusRunning
		s.LastRequestedAt = e.Timestamp()

	case events.NameManifestGenerated:
		var evt events.ManifestGenerated
		if json.Unmarshal(e.Payload(), &evt) != nil {
			return
		}
		at := e.Timestamp()
		s.Status = runStatusSucceeded
		s.LastPath = evt.Path
		s.LastError = ""
		s.LastFinishedAt = &at
		s.LastDuration = evt.Duration

	case events.NameManifestFailed:
		var evt events.ManifestFailed
		if json.Unmarshal(e.Payload(), &evt) != nil {
			return
		}
		at := e.Timestamp()
		s.LastFinishedAt = &at
		if !s.LastRequestedAt.IsZero() {
			s.LastDuration = at.Sub(s.LastRequestedAt)
		}
		if evt.Canceled {
			s.Status = runStatusCanceled
			return
		}
		s.Status = runStatusFailed
		s.Failures++
		s.LastError = evt.Error
	}
}

// Get returns a copy of the summary for key.
func (p *ManifestHistoryProjection) Get(key string) (ManifestSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.byKey[key]
	if !ok {
		return ManifestSummary{}, false
	}
	return *s, true
}

// Summaries returns every summary, most recently requested first.
func (p *ManifestHistoryProjection) Summaries() []ManifestSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ManifestSummary, 0, len(p.byKey))
	for _, s := range p.byKey {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b ManifestSummary) int {
		if c := b.LastRequestedAt.Compare(a.LastRequestedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// LastSyncTime returns when the projection was last rebuilt.
func (p *ManifestHistoryProjection) LastSyncTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}
