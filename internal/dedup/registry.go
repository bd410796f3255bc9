// Package dedup collapses concurrent identical requests into one execution.
package dedup

import (
	"path/filepath"
	"sync"

	"git.home.luguber.info/inful/licensetool/internal/future"
	"git.home.luguber.info/inful/licensetool/internal/metrics"
)

// Registry maps a logical key to the handle of its in-flight execution.
// The first caller for a key becomes the owner and must settle the handle;
// everyone else joins it.
type Registry[T any] struct {
	mu       sync.Mutex
	pending  map[string]*future.Future[T]
	recorder metrics.Recorder
}

func NewRegistry[T any](recorder metrics.Recorder) *Registry[T] {
	return &Registry[T]{
		pending:  make(map[string]*future.Future[T]),
		recorder: metrics.OrNoop(recorder),
	}
}

// AcquireOrJoin returns the in-flight handle for key, or registers a new one
// and reports owner=true. A cancelled handle retires its entry, so the next
// caller starts a fresh execution.
func (r *Registry[T]) AcquireOrJoin(key string) (owner bool, h *future.Future[T]) {
	r.mu.Lock()
	if existing, ok := r.pending[key]; ok {
		r.mu.Unlock()
		r.recorder.IncDedup(metrics.DedupJoiner)
		return false, existing
	}
	h = future.New[T]()
	r.pending[key] = h
	r.mu.Unlock()

	r.recorder.IncDedup(metrics.DedupOwner)
	h.OnCancel(func() { r.Retire(key, h) })
	return true, h
}

// Settle resolves or rejects h and removes the entry if it still refers to h.
// Removal happens before waiters are released, so a caller woken by the
// settlement never joins the finished execution.
func (r *Registry[T]) Settle(key string, h *future.Future[T], v T, err error) {
	r.Retire(key, h)
	if err != nil {
		h.Reject(err)
		return
	}
	h.Resolve(v)
}

// Retire removes key only if it still maps to h.
func (r *Registry[T]) Retire(key string, h *future.Future[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pending[key]; ok && cur == h {
		delete(r.pending, key)
		return true
	}
	return false
}

// Len returns the number of in-flight keys.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Keys returns the in-flight keys in no particular order.
func (r *Registry[T]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	return keys
}

// CanonicalKey makes path absolute and resolves symlinks where possible, so
// two spellings of the same file share one key.
func CanonicalKey(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
