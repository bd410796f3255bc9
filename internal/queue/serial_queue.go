// Package queue runs heavy jobs one at a time in submission order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/future"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
	"git.home.luguber.info/inful/licensetool/internal/metrics"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "canceled"
)

// Job describes a unit of work in the queue.
type Job struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Status      JobStatus     `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`

	run       func(ctx context.Context) error
	abandon   func()
	cancelled func() bool
	cancel    context.CancelFunc
}

// JobEventEmitter receives job lifecycle notifications.
type JobEventEmitter interface {
	EmitJobStarted(ctx context.Context, job Job) error
	EmitJobCompleted(ctx context.Context, job Job) error
	EmitJobFailed(ctx context.Context, job Job, err error) error
}

const defaultHistorySize = 50

// SerialQueue executes submitted jobs on a single worker goroutine.
// Submitting never blocks; a failing or panicking job does not stop later jobs.
type SerialQueue struct {
	mu          sync.Mutex
	pending     []*Job
	active      *Job
	history     []*Job
	historySize int
	wake        chan struct{}
	stopChan    chan struct{}
	stopOnce    sync.Once
	startOnce   sync.Once
	wg          sync.WaitGroup
	stopped     bool

	logger       *slog.Logger
	recorder     metrics.Recorder
	eventEmitter JobEventEmitter
}

// NewSerialQueue creates a queue. Call Start before submitting work that must run.
func NewSerialQueue(logger *slog.Logger) *SerialQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialQueue{
		historySize: defaultHistorySize,
		wake:        make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		logger:      logger,
		recorder:    metrics.NoopRecorder{},
	}
}

// SetRecorder injects a metrics recorder (optional).
func (q *SerialQueue) SetRecorder(r metrics.Recorder) {
	q.recorder = metrics.OrNoop(r)
}

// SetEventEmitter injects a job event emitter.
func (q *SerialQueue) SetEventEmitter(emitter JobEventEmitter) {
	q.eventEmitter = emitter
}

// SetHistorySize bounds the number of finished jobs kept for inspection.
func (q *SerialQueue) SetHistorySize(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.historySize = n
	q.mu.Unlock()
}

// Start launches the worker. Later calls are no-ops.
func (q *SerialQueue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.logger.Info("Starting serial queue")
		q.wg.Add(1)
		go q.worker(ctx)
	})
}

// Stop cancels pending and active jobs and waits for the worker to exit.
func (q *SerialQueue) Stop(_ context.Context) {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		pending := q.pending
		q.pending = nil
		var cancelActive context.CancelFunc
		if q.active != nil {
			cancelActive = q.active.cancel
		}
		q.mu.Unlock()

		close(q.stopChan)
		if cancelActive != nil {
			cancelActive()
		}
		for _, job := range pending {
			job.abandon()
		}
		q.wg.Wait()
	})
}

// Submit enqueues fn and returns its future immediately. Cancelling the
// future skips a pending job or cancels the context of a running one.
func Submit[T any](q *SerialQueue, name string, fn func(ctx context.Context) (T, error)) *future.Future[T] {
	f := future.New[T]()
	job := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
		cancelled: func() bool { return f.State() == future.Cancelled },
		abandon:   func() { f.Cancel() },
	}
	job.run = func(ctx context.Context) error {
		v, err := runGuarded(ctx, fn)
		if errors.Is(err, future.ErrCancelled) {
			f.Cancel()
			return err
		}
		if err != nil {
			f.Reject(err)
			return err
		}
		f.Resolve(v)
		return nil
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		f.Reject(ferrors.DaemonError("serial queue is stopped").WithContext("job", name).Build())
		return f
	}
	q.pending = append(q.pending, job)
	length := len(q.pending)
	q.mu.Unlock()

	f.OnCancel(func() { q.cancelJob(job) })
	q.recorder.SetQueueLength(length)
	q.signal()
	return f
}

func runGuarded[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ferrors.InternalError(fmt.Sprintf("job panicked: %v", r)).
				WithContext("stack", string(debug.Stack())).
				Build()
		}
	}()
	return fn(ctx)
}

func (q *SerialQueue) cancelJob(job *Job) {
	q.mu.Lock()
	if q.active == job && job.cancel != nil {
		cancel := job.cancel
		q.mu.Unlock()
		cancel()
		return
	}
	removed := false
	for i, p := range q.pending {
		if p == job {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			removed = true
			break
		}
	}
	length := len(q.pending)
	q.mu.Unlock()
	q.recorder.SetQueueLength(length)
	if removed {
		q.finish(job, JobStatusCancelled, nil)
	}
}

func (q *SerialQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Length returns the number of jobs waiting to run.
func (q *SerialQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns a copy of the running job, if any.
func (q *SerialQueue) Active() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return Job{}, false
	}
	return q.active.snapshot(), true
}

// History returns copies of recently finished jobs, oldest first.
func (q *SerialQueue) History() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.history))
	for _, j := range q.history {
		out = append(out, j.snapshot())
	}
	return out
}

// JobSnapshot returns a copy of a job (active first, then pending, then history).
func (q *SerialQueue) JobSnapshot(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active != nil && q.active.ID == id {
		return q.active.snapshot(), true
	}
	for _, j := range q.pending {
		if j.ID == id {
			return j.snapshot(), true
		}
	}
	for _, j := range q.history {
		if j.ID == id {
			return j.snapshot(), true
		}
	}
	return Job{}, false
}

func (j *Job) snapshot() Job {
	return Job{
		ID:          j.ID,
		Name:        j.Name,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Duration:    j.Duration,
		Error:       j.Error,
	}
}

func (q *SerialQueue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		job := q.next()
		if job != nil {
			q.processJob(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.stopChan:
			return
		case <-q.wake:
		}
	}
}

func (q *SerialQueue) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.recorder.SetQueueLength(len(q.pending))
	return job
}

func (q *SerialQueue) processJob(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	startTime := time.Now()
	q.mu.Lock()
	job.cancel = cancel
	job.StartedAt = &startTime
	job.Status = JobStatusRunning
	q.active = job
	q.mu.Unlock()

	// A cancel that landed between dequeue and activation found neither list.
	if job.cancelled() {
		q.finish(job, JobStatusCancelled, nil)
		return
	}

	q.logger.Debug("Job started", logfields.JobID(job.ID), logfields.JobName(job.Name))
	q.emitStarted(jobCtx, job)

	err := job.run(jobCtx)
	status := JobStatusCompleted
	switch {
	case job.cancelled():
		status, err = JobStatusCancelled, nil
	case err != nil:
		status = JobStatusFailed
	}
	q.finish(job, status, err)
}

func (q *SerialQueue) finish(job *Job, status JobStatus, err error) {
	endTime := time.Now()
	q.mu.Lock()
	job.CompletedAt = &endTime
	if job.StartedAt != nil {
		job.Duration = endTime.Sub(*job.StartedAt)
	}
	job.Status = status
	if err != nil {
		job.Error = err.Error()
	}
	if q.active == job {
		q.active = nil
	}
	q.addToHistory(job)
	snap := job.snapshot()
	q.mu.Unlock()

	result := metrics.ResultSuccess
	switch status {
	case JobStatusFailed:
		result = metrics.ResultFailed
	case JobStatusCancelled:
		result = metrics.ResultCanceled
	}
	q.recorder.IncJobOutcome(job.Name, result)
	q.recorder.ObserveJobDuration(job.Name, snap.Duration)

	q.logger.Debug("Job finished",
		logfields.JobID(job.ID),
		logfields.JobName(job.Name),
		logfields.JobStatus(string(status)),
		logfields.DurationMS(float64(snap.Duration.Milliseconds())))

	if q.eventEmitter == nil || status == JobStatusCancelled {
		return
	}
	ctx := context.Background()
	if err != nil {
		if emitErr := q.eventEmitter.EmitJobFailed(ctx, snap, err); emitErr != nil {
			q.logger.Warn("Failed to emit JobFailed event", logfields.JobID(job.ID), logfields.Error(emitErr))
		}
		return
	}
	if emitErr := q.eventEmitter.EmitJobCompleted(ctx, snap); emitErr != nil {
		q.logger.Warn("Failed to emit JobCompleted event", logfields.JobID(job.ID), logfields.Error(emitErr))
	}
}

func (q *SerialQueue) emitStarted(ctx context.Context, job *Job) {
	if q.eventEmitter == nil {
		return
	}
	q.mu.Lock()
	snap := job.snapshot()
	q.mu.Unlock()
	if err := q.eventEmitter.EmitJobStarted(ctx, snap); err != nil {
		q.logger.Warn("Failed to emit JobStarted event", logfields.JobID(job.ID), logfields.Error(err))
	}
}

func (q *SerialQueue) addToHistory(job *Job) {
	q.history = append(q.history, job)
	if len(q.history) > q.historySize {
		copy(q.history, q.history[len(q.history)-q.historySize:])
		q.history = q.history[:q.historySize]
	}
}
