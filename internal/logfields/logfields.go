package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyKey        = "key"
	KeyJobID      = "job_id"
	KeyJobName    = "job_name"
	KeyJobStatus  = "job_status"
	KeyCommand    = "command"
	KeyPID        = "pid"
	KeyExitCode   = "exit_code"
	KeyState      = "state"
	KeyPrevState  = "prev_state"
	KeyPath       = "path"
	KeyDurationMS = "duration_ms"
	KeyScheduleID = "schedule_id"
	KeyLabel      = "label"
	KeyProject    = "project"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Key(k string) slog.Attr { return slog.String(KeyKey, k) }
func JobID(id string) slog.Attr { return slog.String(KeyJobID, id) }
func JobName(n string) slog.Attr { return slog.String(KeyJobName, n) }
func JobStatus(s string) slog.Attr { return slog.String(KeyJobStatus, s) }
func Command(c string) slog.Attr { return slog.String(KeyCommand, c) }
func PID(pid int) slog.Attr { return slog.Int(KeyPID, pid) }
func ExitCode(code int) slog.Attr { return slog.Int(KeyExitCode, code) }
func State(s string) slog.Attr { return slog.String(KeyState, s) }
func PrevState(s string) slog.Attr { return slog.String(KeyPrevState, s) }
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func ScheduleID(id string) slog.Attr { return slog.String(KeyScheduleID, id) }
func Label(l string) slog.Attr { return slog.String(KeyLabel, l) }
func Project(p string) slog.Attr { return slog.String(KeyProject, p) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
