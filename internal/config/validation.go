package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-co-op/gocron/v2"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, fmt.Errorf("%s: %s", field, msg))
	}

	checkDuration := func(field, value string) {
		d, err := time.ParseDuration(value)
		if err != nil {
			add(field, fmt.Sprintf("invalid duration %q", value))
			return
		}
		if d <= 0 {
			add(field, "must be positive")
		}
	}
	checkDuration("manifest.timeout", c.Manifest.Timeout)
	checkDuration("manifest.watch_quiet_window", c.Manifest.WatchQuietTime)
	checkDuration("sidecar.install_timeout", c.Sidecar.InstallTimeout)

	if s := c.Manifest.RefreshSchedule; s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			if d < time.Minute {
				add("manifest.refresh_schedule", "interval must be at least 1m")
			}
		} else if !validCron(s) {
			add("manifest.refresh_schedule", fmt.Sprintf("neither a duration nor a cron expression: %q", s))
		}
	}

	if c.Manifest.LicenseMatrix != "" && c.Project.License == "" {
		add("manifest.license_matrix", "requires project.license")
	}
	if c.Sidecar.Enabled && c.Sidecar.SourceDir == "" {
		add("sidecar.source_dir", "required when the sidecar is enabled")
	}
	if _, _, err := net.SplitHostPort(c.Daemon.HTTPAddr); err != nil {
		add("daemon.http_addr", err.Error())
	}
	if _, err := logLevelNormalizer.NormalizeWithValidation(string(c.Logging.Level)); err != nil {
		add("logging.level", err.Error())
	}
	if _, err := logFormatNormalizer.NormalizeWithValidation(string(c.Logging.Format)); err != nil {
		add("logging.format", err.Error())
	}

	if len(errs) == 0 {
		return nil
	}
	return ferrors.WrapError(errors.Join(errs...), ferrors.CategoryValidation, "invalid configuration").
		WithContext("problems", len(errs)).
		Build()
}

// validCron parses expr the way the scheduler will.
func validCron(expr string) bool {
	s, err := gocron.NewScheduler()
	if err != nil {
		return false
	}
	defer func() { _ = s.Shutdown() }()
	_, err = s.NewJob(gocron.CronJob(expr, false), gocron.NewTask(func() {}))
	return err == nil
}
