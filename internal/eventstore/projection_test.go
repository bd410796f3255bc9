package eventstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/licensetool/internal/events"
)

func appendEvent(t *testing.T, store Store, evt events.Event) {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, store.Append(t.Context(), evt.Subject(), evt.Name(), evt.OccurredAt(), payload, nil))
}

func TestManifestHistoryProjection_Rebuild(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	key := "/work/app/pom.xml"
	t0 := time.Now().Add(-time.Minute)

	appendEvent(t, store, events.ManifestRequested{Key: key, RequestedAt: t0})
	appendEvent(t, store, events.ManifestRequested{Key: key, Joined: true, RequestedAt: t0.Add(time.Second)})
	appendEvent(t, store, events.ManifestFailed{Key: key, Error: "exit status 1", FailedAt: t0.Add(2 * time.Second)})
	appendEvent(t, store, events.ManifestRequested{Key: key, RequestedAt: t0.Add(3 * time.Second)})
	appendEvent(t, store, events.ManifestGenerated{
		Key:         key,
		Path:        "/work/app/.license-tool/bom.xml",
		Duration:    4 * time.Second,
		GeneratedAt: t0.Add(7 * time.Second),
	})
	appendEvent(t, store, events.SidecarStateChanged{From: "stopped", To: "installing", ChangedAt: t0})

	p := NewManifestHistoryProjection(store)
	require.NoError(t, p.Rebuild(t.Context()))
	require.False(t, p.LastSyncTime().IsZero())

	s, ok := p.Get(key)
	require.True(t, ok)
	require.Equal(t, runStatusSucceeded, s.Status)
	require.Equal(t, 2, s.Runs)
	require.Equal(t, 1, s.Joins)
	require.Equal(t, 1, s.Failures)
	require.Empty(t, s.LastError)
	require.Equal(t, "/work/app/.license-tool/bom.xml", s.LastPath)
	require.Equal(t, 4*time.Second, s.LastDuration)

	require.Len(t, p.Summaries(), 1)
}

func TestManifestHistoryProjection_Canceled(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	p := NewManifestHistoryProjection(store)
	rec := NewRecorder(events.NewBus(), store, p, nil)

	ctx := t.Context()
	require.NoError(t, rec.Record(ctx, events.ManifestRequested{Key: "k", RequestedAt: time.Now()}))
	require.NoError(t, rec.Record(ctx, events.ManifestFailed{Key: "k", Error: "future cancelled", Canceled: true, FailedAt: time.Now()}))

	s, ok := p.Get("k")
	require.True(t, ok)
	require.Equal(t, runStatusCanceled, s.Status)
	require.Zero(t, s.Failures)
}

func TestRecorder_PersistsBusEvents(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	bus := events.NewBus()
	p := NewManifestHistoryProjection(store)
	rec := NewRecorder(bus, store, p, nil)

	done := make(chan struct{})
	go func() {
		rec.Run(context.Background())
		close(done)
	}()

	require.NoError(t, bus.Publish(t.Context(), events.ManifestRequested{Key: "k", RequestedAt: time.Now()}))
	require.NoError(t, bus.Publish(t.Context(), events.ManifestGenerated{Key: "k", Path: "/tmp/bom.xml", GeneratedAt: time.Now()}))

	require.Eventually(t, func() bool {
		s, ok := p.Get("k")
		return ok && s.Status == runStatusSucceeded
	}, time.Second, 10*time.Millisecond)

	bus.Close()
	<-done

	stored, err := store.GetBySubject(t.Context(), "k")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, events.NameManifestGenerated, stored[1].Type())

	var evt events.ManifestGenerated
	require.NoError(t, json.Unmarshal(stored[1].Payload(), &evt))
	require.Equal(t, "/tmp/bom.xml", evt.Path)
}
