package orchestrator

import (
	"context"
	"time"

	"git.home.luguber.info/inful/licensetool/internal/events"
	"git.home.luguber.info/inful/licensetool/internal/queue"
)

// jobEmitter republishes queue job lifecycle notifications on the bus.
type jobEmitter struct {
	o *Orchestrator
}

func (e *jobEmitter) EmitJobStarted(_ context.Context, job queue.Job) error {
	at := time.Now()
	if job.StartedAt != nil {
		at = *job.StartedAt
	}
	e.o.publish(events.JobStarted{JobID: job.ID, JobName: job.Name, StartedAt: at})
	return nil
}

func (e *jobEmitter) EmitJobCompleted(_ context.Context, job queue.Job) error {
	e.o.publish(finished(job, ""))
	return nil
}

func (e *jobEmitter) EmitJobFailed(_ context.Context, job queue.Job, err error) error {
	e.o.publish(finished(job, err.Error()))
	return nil
}

func finished(job queue.Job, errMsg string) events.JobFinished {
	at := time.Now()
	if job.CompletedAt != nil {
		at = *job.CompletedAt
	}
	return events.JobFinished{
		JobID:      job.ID,
		JobName:    job.Name,
		Status:     string(job.Status),
		Error:      errMsg,
		Duration:   job.Duration,
		FinishedAt: at,
	}
}
