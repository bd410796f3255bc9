// Package scheduler runs periodic manifest refreshes.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
)

// Scheduler wraps a gocron scheduler. Every job runs in singleton mode: a
// run that is still busy when the next tick arrives causes that tick to be
// skipped.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

func New(logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "failed to create scheduler").Build()
	}
	return &Scheduler{scheduler: s, logger: logger}, nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler", slog.Int("jobs", len(s.scheduler.Jobs())))
	s.scheduler.Start()
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// ScheduleEvery runs fn every interval and returns the job ID.
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, fn func(), opts ...gocron.JobOption) (string, error) {
	if interval <= 0 {
		return "", ferrors.ValidationError("schedule interval must be positive").
			WithContext("name", name).
			Build()
	}
	return s.schedule(name, gocron.DurationJob(interval), fn, opts...)
}

// ScheduleCron runs fn on a standard five-field cron expression.
func (s *Scheduler) ScheduleCron(name, expr string, fn func(), opts ...gocron.JobOption) (string, error) {
	return s.schedule(name, gocron.CronJob(expr, false), fn, opts...)
}

func (s *Scheduler) schedule(name string, def gocron.JobDefinition, fn func(), opts ...gocron.JobOption) (string, error) {
	all := append([]gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}, opts...)
	job, err := s.scheduler.NewJob(def, gocron.NewTask(fn), all...)
	if err != nil {
		return "", ferrors.ValidationError("invalid schedule").
			WithCause(err).
			WithContext("name", name).
			Build()
	}
	s.logger.Info("Scheduled job", logfields.JobName(name), logfields.ScheduleID(job.ID().String()))
	return job.ID().String(), nil
}

// RefreshFunc refreshes one project's manifest.
type RefreshFunc func(ctx context.Context) error

// ScheduleRefresh runs refresh on schedule. A schedule that parses as a Go
// duration ("6h") is an interval; anything else is a cron expression.
// Refresh failures are logged and never stop the schedule.
func (s *Scheduler) ScheduleRefresh(ctx context.Context, schedule string, refresh RefreshFunc) (string, error) {
	run := func() {
		start := time.Now()
		s.logger.Info("Running scheduled manifest refresh")
		if err := refresh(ctx); err != nil {
			s.logger.Error("Scheduled manifest refresh failed", logfields.Error(err))
			return
		}
		s.logger.Info("Scheduled manifest refresh finished",
			logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	}
	if d, err := time.ParseDuration(schedule); err == nil {
		return s.ScheduleEvery("manifest-refresh", d, run)
	}
	return s.ScheduleCron("manifest-refresh", schedule, run)
}

// NextRun returns when the job with id runs next.
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	for _, j := range s.scheduler.Jobs() {
		if j.ID().String() != id {
			continue
		}
		next, err := j.NextRun()
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}
