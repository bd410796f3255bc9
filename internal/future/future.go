// Package future provides a settle-once result handle shared between the
// goroutine producing a value and any number of waiters.
package future

import (
	"context"
	"errors"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
)

// ErrCancelled is reported by Result and Wait for a cancelled future.
// Cancellation is a terminal state of its own, not a failure.
var ErrCancelled = errors.New("future cancelled")

// State is the lifecycle position of a Future.
type State int

const (
	Pending State = iota
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Future is a single-assignment result. The first call to Resolve, Reject or
// Cancel wins; later calls report false and change nothing.
type Future[T any] struct {
	mu       sync.Mutex
	state    State
	value    T
	err      error
	done     chan struct{}
	onCancel []func()
}

// New returns a pending future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future successfully.
func (f *Future[T]) Resolve(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Succeeded
	f.value = v
	f.onCancel = nil
	close(f.done)
	return true
}

// Reject settles the future with err. A nil err is replaced by an internal error
// so a failed future never reports success.
func (f *Future[T]) Reject(err error) bool {
	if err == nil {
		err = ferrors.InternalError("future rejected without error").Build()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Failed
	f.err = err
	f.onCancel = nil
	close(f.done)
	return true
}

// Cancel moves a pending future to Cancelled and runs the registered cancel hooks.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return false
	}
	f.state = Cancelled
	f.err = ErrCancelled
	hooks := f.onCancel
	f.onCancel = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return true
}

// OnCancel registers fn to run once if the future is cancelled. Hooks run
// outside the future's lock; if the future is already cancelled fn runs now.
// Hooks registered on a future that settled otherwise are dropped.
func (f *Future[T]) OnCancel(fn func()) {
	f.mu.Lock()
	switch f.state {
	case Pending:
		f.onCancel = append(f.onCancel, fn)
		f.mu.Unlock()
	case Cancelled:
		f.mu.Unlock()
		fn()
	default:
		f.mu.Unlock()
	}
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// State returns the current state.
func (f *Future[T]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Result returns the settled value and error without blocking. A pending
// future reports an internal error.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Pending {
		var zero T
		return zero, ferrors.InternalError("future is still pending").Build()
	}
	return f.value, f.err
}

// Wait blocks until the future settles or ctx is done. Giving up on ctx does
// not cancel the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout blocks for at most d. On expiry the future is cancelled and a
// timeout error is returned.
func (f *Future[T]) WaitTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.Result()
	case <-timer.C:
	}
	if !f.Cancel() {
		// Settled between the timer firing and the cancel.
		return f.Result()
	}
	var zero T
	return zero, ferrors.TimeoutError("wait timed out").
		WithContext(ferrors.ContextTimeout, d.String()).
		Build()
}

// Forward settles dst with the outcome of src, and cancels src when dst is
// cancelled. It returns immediately.
func Forward[T any](src, dst *Future[T]) {
	dst.OnCancel(func() { src.Cancel() })
	go func() {
		<-src.Done()
		v, err := src.Result()
		switch src.State() {
		case Succeeded:
			dst.Resolve(v)
		case Cancelled:
			dst.Cancel()
		default:
			dst.Reject(err)
		}
	}()
}

// Then returns a future settled with fn applied to src's value. Cancelling the
// returned future cancels src.
func Then[T, U any](src *Future[T], fn func(T) (U, error)) *Future[U] {
	dst := New[U]()
	dst.OnCancel(func() { src.Cancel() })
	go func() {
		<-src.Done()
		v, err := src.Result()
		switch src.State() {
		case Succeeded:
			u, ferr := fn(v)
			if ferr != nil {
				dst.Reject(ferr)
				return
			}
			dst.Resolve(u)
		case Cancelled:
			dst.Cancel()
		default:
			dst.Reject(err)
		}
	}()
	return dst
}
