package events

import "time"

// Event is implemented by every event published on the bus. Name is the
// stable event type identifier used by the event store and NATS subjects.
type Event interface {
	Name() string
	Subject() string
	OccurredAt() time.Time
}

const (
	NameManifestRequested   = "manifest.requested"
	NameManifestGenerated   = "manifest.generated"
	NameManifestFailed      = "manifest.failed"
	NameDependenciesChanged = "dependencies.changed"
	NameSidecarStateChanged = "sidecar.state_changed"
	NamePOMChanged          = "pom.changed"
	NameJobStarted          = "job.started"
	NameJobFinished         = "job.finished"
)

// ManifestRequested is published for every generation request. Joined is true
// when the request attached to an in-flight run for the same POM.
type ManifestRequested struct {
	Key         string    `json:"key"`
	Joined      bool      `json:"joined"`
	RequestedAt time.Time `json:"requested_at"`
}

func (e ManifestRequested) Name() string          { return NameManifestRequested }
func (e ManifestRequested) Subject() string       { return e.Key }
func (e ManifestRequested) OccurredAt() time.Time { return e.RequestedAt }

// ManifestGenerated is published when a generation run produced an artifact.
type ManifestGenerated struct {
	Key         string        `json:"key"`
	Path        string        `json:"path"`
	Duration    time.Duration `json:"duration"`
	GeneratedAt time.Time     `json:"generated_at"`
}

func (e ManifestGenerated) Name() string          { return NameManifestGenerated }
func (e ManifestGenerated) Subject() string       { return e.Key }
func (e ManifestGenerated) OccurredAt() time.Time { return e.GeneratedAt }

// ManifestFailed is published when a generation run failed or was canceled.
type ManifestFailed struct {
	Key      string    `json:"key"`
	Error    string    `json:"error"`
	Category string    `json:"category,omitempty"`
	Canceled bool      `json:"canceled"`
	FailedAt time.Time `json:"failed_at"`
}

func (e ManifestFailed) Name() string          { return NameManifestFailed }
func (e ManifestFailed) Subject() string       { return e.Key }
func (e ManifestFailed) OccurredAt() time.Time { return e.FailedAt }

// DependenciesChanged is published after a refresh compared two manifests.
type DependenciesChanged struct {
	Project   string    `json:"project"`
	Added     []string  `json:"added"`
	Removed   []string  `json:"removed"`
	DiffPath  string    `json:"diff_path"`
	ChangedAt time.Time `json:"changed_at"`
}

func (e DependenciesChanged) Name() string          { return NameDependenciesChanged }
func (e DependenciesChanged) Subject() string       { return e.Project }
func (e DependenciesChanged) OccurredAt() time.Time { return e.ChangedAt }

// SidecarStateChanged mirrors a sidecar lifecycle transition.
type SidecarStateChanged struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

func (e SidecarStateChanged) Name() string          { return NameSidecarStateChanged }
func (e SidecarStateChanged) Subject() string       { return "sidecar" }
func (e SidecarStateChanged) OccurredAt() time.Time { return e.ChangedAt }

// POMChanged is published by the watcher after a debounced pom.xml change.
type POMChanged struct {
	Path      string    `json:"path"`
	Op        string    `json:"op"`
	ChangedAt time.Time `json:"changed_at"`
}

func (e POMChanged) Name() string          { return NamePOMChanged }
func (e POMChanged) Subject() string       { return e.Path }
func (e POMChanged) OccurredAt() time.Time { return e.ChangedAt }

// JobStarted is published when the serial queue begins a job.
type JobStarted struct {
	JobID     string    `json:"job_id"`
	JobName   string    `json:"job_name"`
	StartedAt time.Time `json:"started_at"`
}

func (e JobStarted) Name() string          { return NameJobStarted }
func (e JobStarted) Subject() string       { return e.JobID }
func (e JobStarted) OccurredAt() time.Time { return e.StartedAt }

// JobFinished is published when a started job completed or failed.
type JobFinished struct {
	JobID      string        `json:"job_id"`
	JobName    string        `json:"job_name"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

func (e JobFinished) Name() string          { return NameJobFinished }
func (e JobFinished) Subject() string       { return e.JobID }
func (e JobFinished) OccurredAt() time.Time { return e.FinishedAt }
