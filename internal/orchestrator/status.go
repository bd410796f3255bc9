package orchestrator

import (
	"slices"

	"git.home.luguber.info/inful/licensetool/internal/queue"
	"git.home.luguber.info/inful/licensetool/internal/sidecar"
)

// Status is a snapshot of the session for status endpoints and the CLI.
type Status struct {
	ProjectRoot string         `json:"project_root"`
	QueueLength int            `json:"queue_length"`
	ActiveJob   *queue.Job     `json:"active_job,omitempty"`
	InFlight    []string       `json:"in_flight"`
	Sidecar     sidecar.Status `json:"sidecar"`
	Recent      []queue.Job    `json:"recent_jobs"`
}

func (o *Orchestrator) Status() Status {
	st := Status{
		ProjectRoot: o.root(),
		QueueLength: o.queue.Length(),
		InFlight:    o.registry.Keys(),
		Sidecar:     o.sidecar.Status(),
		Recent:      o.queue.History(),
	}
	slices.Sort(st.InFlight)
	if job, ok := o.queue.Active(); ok {
		st.ActiveJob = &job
	}
	return st
}
