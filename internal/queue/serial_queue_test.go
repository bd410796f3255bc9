package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/future"
	"github.com/stretchr/testify/require"
)

func startedQueue(t *testing.T) *SerialQueue {
	t.Helper()
	q := NewSerialQueue(nil)
	q.Start(t.Context())
	t.Cleanup(func() { q.Stop(context.Background()) })
	return q
}

func TestSerialQueue_FIFOAndNoOverlap(t *testing.T) {
	q := startedQueue(t)

	var (
		mu      sync.Mutex
		order   []int
		running int
		overlap bool
	)
	futures := make([]*future.Future[int], 0, 10)
	for i := range 10 {
		futures = append(futures, Submit(q, "job", func(context.Context) (int, error) {
			mu.Lock()
			running++
			if running > 1 {
				overlap = true
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			order = append(order, i)
			running--
			mu.Unlock()
			return i, nil
		}))
	}

	for i, f := range futures {
		v, err := f.Wait(t.Context())
		require.NoError(t, err)
		require.Equal(t, i, v)
	}

	mu.Lock()
	defer mu.Unlock()
	require.False(t, overlap)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestSerialQueue_SubmitDoesNotBlock(t *testing.T) {
	q := NewSerialQueue(nil) // not started: nothing drains

	done := make(chan struct{})
	go func() {
		for range 1000 {
			Submit(q, "noop", func(context.Context) (struct{}, error) { return struct{}{}, nil })
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submit blocked")
	}
	require.Equal(t, 1000, q.Length())
	q.Stop(context.Background())
}

func TestSerialQueue_FailureAndPanicIsolation(t *testing.T) {
	q := startedQueue(t)

	boom := errors.New("boom")
	failing := Submit(q, "fail", func(context.Context) (int, error) { return 0, boom })
	panicking := Submit(q, "panic", func(context.Context) (int, error) { panic("kaput") })
	ok := Submit(q, "ok", func(context.Context) (int, error) { return 7, nil })

	_, err := failing.Wait(t.Context())
	require.ErrorIs(t, err, boom)

	_, err = panicking.Wait(t.Context())
	require.Error(t, err)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryInternal))
	require.Contains(t, err.Error(), "kaput")

	v, err := ok.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestSerialQueue_CancelPendingSkipsJob(t *testing.T) {
	q := startedQueue(t)

	release := make(chan struct{})
	blocker := Submit(q, "blocker", func(context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ran := make(chan struct{}, 1)
	skipped := Submit(q, "skipped", func(context.Context) (int, error) {
		ran <- struct{}{}
		return 2, nil
	})
	require.True(t, skipped.Cancel())
	close(release)

	_, err := blocker.Wait(t.Context())
	require.NoError(t, err)

	after := Submit(q, "after", func(context.Context) (int, error) { return 3, nil })
	_, err = after.Wait(t.Context())
	require.NoError(t, err)

	select {
	case <-ran:
		t.Fatal("cancelled job ran")
	default:
	}
	_, err = skipped.Result()
	require.ErrorIs(t, err, future.ErrCancelled)
}

func TestSerialQueue_CancelRunningCancelsContext(t *testing.T) {
	q := startedQueue(t)

	started := make(chan struct{})
	ctxErr := make(chan error, 1)
	f := Submit(q, "long", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		ctxErr <- ctx.Err()
		return 0, ctx.Err()
	})
	<-started
	f.Cancel()

	select {
	case err := <-ctxErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("job context not cancelled")
	}

	require.Eventually(t, func() bool {
		_, active := q.Active()
		return !active
	}, 5*time.Second, 10*time.Millisecond)

	hist := q.History()
	require.NotEmpty(t, hist)
	require.Equal(t, JobStatusCancelled, hist[len(hist)-1].Status)
}

func TestSerialQueue_HistoryAndSnapshot(t *testing.T) {
	q := startedQueue(t)
	q.SetHistorySize(2)

	for range 3 {
		_, err := Submit(q, "x", func(context.Context) (int, error) { return 0, nil }).Wait(t.Context())
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(q.History()) == 2 }, 5*time.Second, 10*time.Millisecond)

	last := q.History()[1]
	require.Equal(t, JobStatusCompleted, last.Status)
	require.NotEmpty(t, last.ID)

	snap, ok := q.JobSnapshot(last.ID)
	require.True(t, ok)
	require.Equal(t, last.ID, snap.ID)

	_, ok = q.JobSnapshot("missing")
	require.False(t, ok)
}

func TestSerialQueue_StopCancelsPendingAndRejectsNew(t *testing.T) {
	q := NewSerialQueue(nil)
	pending := Submit(q, "pending", func(context.Context) (int, error) { return 1, nil })

	q.Stop(context.Background())
	require.Equal(t, future.Cancelled, pending.State())

	late := Submit(q, "late", func(context.Context) (int, error) { return 1, nil })
	_, err := late.Result()
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryDaemon))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) add(s string) error {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
	return nil
}

func (r *recordingEmitter) EmitJobStarted(_ context.Context, j Job) error {
	return r.add("started:" + j.Name)
}

func (r *recordingEmitter) EmitJobCompleted(_ context.Context, j Job) error {
	return r.add("completed:" + j.Name)
}

func (r *recordingEmitter) EmitJobFailed(_ context.Context, j Job, _ error) error {
	return r.add("failed:" + j.Name)
}

func (r *recordingEmitter) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestSerialQueue_EmitsLifecycleEvents(t *testing.T) {
	q := NewSerialQueue(nil)
	em := &recordingEmitter{}
	q.SetEventEmitter(em)
	q.Start(t.Context())
	defer q.Stop(context.Background())

	_, _ = Submit(q, "a", func(context.Context) (int, error) { return 0, nil }).Wait(t.Context())
	_, _ = Submit(q, "b", func(context.Context) (int, error) { return 0, errors.New("x") }).Wait(t.Context())

	require.Eventually(t, func() bool { return len(em.snapshot()) == 4 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"started:a", "completed:a", "started:b", "failed:b"}, em.snapshot())
}
