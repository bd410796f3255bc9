// Package orchestrator owns the session-wide process orchestration: the
// deduplicating registry, the serial queue, the manifest generator and the
// sidecar manager.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"git.home.luguber.info/inful/licensetool/internal/dedup"
	"git.home.luguber.info/inful/licensetool/internal/events"
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/future"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
	"git.home.luguber.info/inful/licensetool/internal/manifest"
	"git.home.luguber.info/inful/licensetool/internal/metrics"
	"git.home.luguber.info/inful/licensetool/internal/procexec"
	"git.home.luguber.info/inful/licensetool/internal/project"
	"git.home.luguber.info/inful/licensetool/internal/queue"
	"git.home.luguber.info/inful/licensetool/internal/sidecar"
)

// Config carries the collaborators and tunables of a session.
type Config struct {
	Root  project.RootFunc
	Model project.ModelFunc

	OutputDir       string
	OutputName      string
	ManifestTimeout time.Duration

	Sidecar     sidecar.Config
	HistorySize int
}

// Orchestrator is created once per session and torn down with Dispose.
type Orchestrator struct {
	root      project.RootFunc
	timeout   time.Duration
	logger    *slog.Logger
	recorder  metrics.Recorder
	bus       *events.Bus
	ownsBus   bool
	spawner   sidecar.Spawner
	generator *manifest.Generator
	registry  *dedup.Registry[string]
	queue     *queue.SerialQueue
	sidecar   *sidecar.Manager

	mu       sync.Mutex
	disposed bool
	hooks    []func()
	inflight sync.WaitGroup
	dispose  sync.Once
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = metrics.OrNoop(r) }
}

// WithBus publishes lifecycle events on b. Without it the orchestrator owns
// a private bus and closes it on Dispose.
func WithBus(b *events.Bus) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.bus = b
		}
	}
}

// WithSidecarSpawner replaces the process runner used by the sidecar.
func WithSidecarSpawner(s sidecar.Spawner) Option {
	return func(o *Orchestrator) { o.spawner = s }
}

func New(cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		root:     cfg.Root,
		timeout:  cfg.ManifestTimeout,
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.root == nil {
		o.root = project.StaticRoot("")
	}
	if o.timeout <= 0 {
		o.timeout = manifest.DefaultTimeout
	}
	if o.bus == nil {
		o.bus = events.NewBus()
		o.ownsBus = true
	}

	runner := procexec.NewRunner(
		procexec.WithLogger(o.logger),
		procexec.WithRecorder(o.recorder),
		procexec.WithDefaultTimeout(o.timeout),
	)
	genOpts := []manifest.GeneratorOption{
		manifest.WithLogger(o.logger),
		manifest.WithTimeout(o.timeout),
	}
	if cfg.OutputDir != "" || cfg.OutputName != "" {
		genOpts = append(genOpts, manifest.WithOutput(cfg.OutputDir, cfg.OutputName))
	}
	o.generator = manifest.NewGenerator(runner, genOpts...)
	o.registry = dedup.NewRegistry[string](o.recorder)

	o.queue = queue.NewSerialQueue(o.logger)
	o.queue.SetRecorder(o.recorder)
	o.queue.SetHistorySize(cfg.HistorySize)
	o.queue.SetEventEmitter(&jobEmitter{o: o})

	scCfg := cfg.Sidecar
	if scCfg.ProjectRoot == nil {
		scCfg.ProjectRoot = o.root
	}
	if scCfg.Model == nil {
		scCfg.Model = cfg.Model
	}
	spawner := o.spawner
	if spawner == nil {
		spawner = runner
	}
	o.sidecar = sidecar.NewManager(scCfg, spawner,
		sidecar.WithLogger(o.logger),
		sidecar.WithRecorder(o.recorder),
		sidecar.WithObserver(o.onSidecarTransition),
	)
	return o
}

// Start launches the queue worker.
func (o *Orchestrator) Start(ctx context.Context) {
	o.queue.Start(ctx)
}

// Bus returns the event bus lifecycle events are published on.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Generator returns the manifest generator.
func (o *Orchestrator) Generator() *manifest.Generator { return o.generator }

// ProjectRoot returns the current project root, empty when unknown.
func (o *Orchestrator) ProjectRoot() string { return o.root() }

// GenerateManifest returns a handle to the manifest generation for pomPath.
// Concurrent requests for the same POM share one Maven run; runs for
// different POMs execute one at a time. Cancelling the handle cancels the
// shared run for every waiter.
func (o *Orchestrator) GenerateManifest(ctx context.Context, pomPath string) *future.Future[string] {
	if err := ctx.Err(); err != nil {
		return future.Rejected[string](err)
	}
	if !o.beginInflight() {
		return future.Rejected[string](ferrors.DaemonError("session is disposed").Build())
	}
	root := o.root()
	if root == "" {
		o.inflight.Done()
		return future.Rejected[string](ferrors.ConfigError("project root is unknown").
			WithContext(ferrors.ContextPath, pomPath).
			Build())
	}

	key := dedup.CanonicalKey(pomPath)
	owner, h := o.registry.AcquireOrJoin(key)
	o.publish(events.ManifestRequested{Key: key, Joined: !owner, RequestedAt: time.Now()})
	if !owner {
		o.inflight.Done()
		o.logger.Debug("Joined in-flight manifest generation", logfields.Key(key))
		return h
	}

	// Started lazily so callers without a daemon loop still get a worker.
	o.queue.Start(context.Background())

	started := time.Now()
	job := queue.Submit(o.queue, "manifest "+filepath.Base(filepath.Dir(key)), func(jobCtx context.Context) (string, error) {
		f, err := o.generator.GenerateAsync(jobCtx, root, key)
		if err != nil {
			return "", err
		}
		return f.WaitTimeout(o.timeout)
	})
	h.OnCancel(func() { job.Cancel() })

	go func() {
		defer o.inflight.Done()
		<-job.Done()
		path, err := job.Result()
		if job.State() == future.Cancelled || errors.Is(err, future.ErrCancelled) {
			o.registry.Retire(key, h)
			h.Cancel()
			o.publish(events.ManifestFailed{Key: key, Error: future.ErrCancelled.Error(), Canceled: true, FailedAt: time.Now()})
			return
		}
		o.registry.Settle(key, h, path, err)
		if err != nil {
			o.publish(events.ManifestFailed{
				Key:      key,
				Error:    err.Error(),
				Category: string(ferrors.GetCategory(err)),
				FailedAt: time.Now(),
			})
			return
		}
		o.publish(events.ManifestGenerated{Key: key, Path: path, Duration: time.Since(started), GeneratedAt: time.Now()})
	}()
	return h
}

// RefreshManifest regenerates the manifest for pomPath and reports which
// components were added or removed since the previous manifest. It blocks.
func (o *Orchestrator) RefreshManifest(ctx context.Context, pomPath string) (*manifest.Change, error) {
	if procexec.IsForeground(ctx) {
		return nil, ferrors.PreconditionError("blocking manifest refresh on the foreground").
			WithContext(ferrors.ContextPath, pomPath).
			Build()
	}
	root := o.root()
	if root == "" {
		return nil, ferrors.ConfigError("project root is unknown").Build()
	}
	change, err := o.generator.Refresh(ctx, root, func(ctx context.Context) (string, error) {
		return o.GenerateManifest(ctx, pomPath).Wait(ctx)
	})
	if err != nil {
		return nil, err
	}
	o.publish(events.DependenciesChanged{
		Project:   root,
		Added:     componentKeys(change.Added),
		Removed:   componentKeys(change.Removed),
		DiffPath:  filepath.Join(o.generator.OutputDir(root), manifest.DiffFileName),
		ChangedAt: time.Now(),
	})
	return change, nil
}

// EnsureSidecarRunning starts the sidecar unless it is running or starting.
// It never blocks.
func (o *Orchestrator) EnsureSidecarRunning(ctx context.Context) {
	if o.isDisposed() {
		return
	}
	o.sidecar.EnsureStarted(ctx)
}

// StopSidecar terminates the sidecar process, if any.
func (o *Orchestrator) StopSidecar(ctx context.Context) {
	o.sidecar.Stop(ctx)
}

// SidecarStatus returns the sidecar's current state.
func (o *Orchestrator) SidecarStatus() sidecar.Status {
	return o.sidecar.Status()
}

// InstallSidecarDependencies runs the sidecar dependency install and waits
// for it.
func (o *Orchestrator) InstallSidecarDependencies(ctx context.Context) error {
	return o.sidecar.InstallDependencies(ctx)
}

// OnDispose registers fn to run during Dispose. Hooks registered after
// disposal run immediately.
func (o *Orchestrator) OnDispose(fn func()) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		fn()
		return
	}
	o.hooks = append(o.hooks, fn)
	o.mu.Unlock()
}

// Dispose tears the session down: the sidecar is stopped and its work
// directory removed, queued and running jobs are cancelled, and the
// registered hooks run in reverse order. Later calls are no-ops.
func (o *Orchestrator) Dispose(ctx context.Context) {
	o.dispose.Do(func() {
		o.mu.Lock()
		o.disposed = true
		hooks := o.hooks
		o.hooks = nil
		o.mu.Unlock()

		o.logger.Info("Disposing session")
		o.sidecar.Dispose()
		o.queue.Stop(ctx)
		o.inflight.Wait()

		for _, fn := range slices.Backward(hooks) {
			o.runHook(fn)
		}
		if o.ownsBus {
			o.bus.Close()
		}
	})
}

func (o *Orchestrator) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Dispose hook panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// beginInflight reserves an in-flight slot unless the session is disposed.
// Dispose waits for every reserved slot before closing the bus.
func (o *Orchestrator) beginInflight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return false
	}
	o.inflight.Add(1)
	return true
}

func (o *Orchestrator) isDisposed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disposed
}

func (o *Orchestrator) onSidecarTransition(t sidecar.Transition) {
	o.publish(events.SidecarStateChanged{
		From:      string(t.From),
		To:        string(t.To),
		Reason:    t.Reason,
		ChangedAt: t.At,
	})
}

// publish never blocks orchestration; slow subscribers miss events.
func (o *Orchestrator) publish(evt events.Event) {
	if _, err := o.bus.TryPublish(evt); err != nil {
		o.logger.Debug("Event not published", slog.String("event", evt.Name()), logfields.Error(err))
	}
}

func componentKeys(cs []manifest.Component) []string {
	keys := make([]string, 0, len(cs))
	for _, c := range cs {
		keys = append(keys, c.Key())
	}
	return keys
}
