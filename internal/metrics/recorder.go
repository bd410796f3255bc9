package metrics

import "time"

// ResultLabel enumerates outcome categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailed   ResultLabel = "failed"
	ResultCanceled ResultLabel = "canceled"
	ResultTimeout  ResultLabel = "timeout"
)

// DedupRole tells whether a caller claimed a key or joined an in-flight request.
type DedupRole string

const (
	DedupOwner  DedupRole = "owner"
	DedupJoiner DedupRole = "joiner"
)

// Recorder defines observability hooks for process, queue, dedup and sidecar
// activity. Implementations may forward to Prometheus or any other backend.
type Recorder interface {
	ObserveProcessDuration(label string, d time.Duration)
	IncProcessResult(label string, result ResultLabel)
	ObserveJobDuration(name string, d time.Duration)
	IncJobOutcome(name string, result ResultLabel)
	SetQueueLength(n int)
	IncDedup(role DedupRole)
	SetSidecarState(state string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveProcessDuration(string, time.Duration) {}
func (NoopRecorder) IncProcessResult(string, ResultLabel)         {}
func (NoopRecorder) ObserveJobDuration(string, time.Duration)     {}
func (NoopRecorder) IncJobOutcome(string, ResultLabel)            {}
func (NoopRecorder) SetQueueLength(int)                           {}
func (NoopRecorder) IncDedup(DedupRole)                           {}
func (NoopRecorder) SetSidecarState(string)                       {}

// OrNoop returns r, or NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
