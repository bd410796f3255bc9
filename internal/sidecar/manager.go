// Package sidecar supervises the helper server process: its dependencies are
// installed into a private work directory, then the server is launched and
// watched until it exits or is stopped.
package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
	"git.home.luguber.info/inful/licensetool/internal/metrics"
	"git.home.luguber.info/inful/licensetool/internal/procexec"
	"git.home.luguber.info/inful/licensetool/internal/project"
)

const (
	DefaultEntryScript    = "python_server.py"
	DefaultRequirements   = "requirements.txt"
	DefaultInstallTimeout = 60 * time.Second

	// outputTail bounds the sidecar output kept in memory; lines go to the log.
	outputTail = 16 << 10
)

// Spawner starts processes. *procexec.Runner satisfies it.
type Spawner interface {
	Start(ctx context.Context, req procexec.Request) (*procexec.Process, error)
}

// Config describes the sidecar runtime.
type Config struct {
	// SourceDir holds the server sources copied into the work directory.
	SourceDir    string
	EntryScript  string
	Requirements string
	// Interpreter defaults to python3, or python on Windows.
	Interpreter    string
	InstallTimeout time.Duration

	ProjectRoot project.RootFunc
	Model       project.ModelFunc
}

func (c Config) withDefaults() Config {
	if c.EntryScript == "" {
		c.EntryScript = DefaultEntryScript
	}
	if c.Requirements == "" {
		c.Requirements = DefaultRequirements
	}
	if c.Interpreter == "" {
		c.Interpreter = "python3"
		if runtime.GOOS == "windows" {
			c.Interpreter = "python"
		}
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = DefaultInstallTimeout
	}
	return c
}

// Manager owns one sidecar process and its work directory.
//
// gen is bumped by every EnsureStarted that begins a chain and by Stop; a
// chain only applies transitions while its generation is current, so a
// stopped chain cannot resurrect the sidecar.
type Manager struct {
	cfg      Config
	spawner  Spawner
	logger   *slog.Logger
	recorder metrics.Recorder

	// pip serializes dependency installs into the shared work dir.
	pip sync.Mutex

	mu       sync.Mutex
	state    State
	gen      uint64
	proc     *procexec.Process
	install  *procexec.Process
	workDir  string
	observer func(Transition)
	chains   sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = metrics.OrNoop(r) }
}

// WithObserver registers fn for every state transition. fn runs outside the
// manager's lock and must not block for long.
func WithObserver(fn func(Transition)) Option {
	return func(m *Manager) { m.observer = fn }
}

func NewManager(cfg Config, spawner Spawner, opts ...Option) *Manager {
	if spawner == nil {
		spawner = procexec.NewRunner()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		spawner:  spawner,
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
		state:    StateStopped,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current state, server PID and work directory.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state, WorkDir: m.workDir}
	if m.proc != nil {
		st.PID = m.proc.PID()
	}
	return st
}

// EnsureStarted begins install-then-launch unless the sidecar is already
// running or on its way there. It returns immediately; failures are logged
// and leave the manager stopped. Safe to call from the foreground.
func (m *Manager) EnsureStarted(ctx context.Context) {
	m.mu.Lock()
	if m.state.busy() {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = StateInstalling
	m.gen++
	gen := m.gen
	m.chains.Add(1)
	m.mu.Unlock()

	m.notify(Transition{From: from, To: StateInstalling, At: time.Now()})

	chainCtx := procexec.Background(context.WithoutCancel(ctx))
	go func() {
		defer m.chains.Done()
		m.run(chainCtx, gen)
	}()
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	workDir, err := m.ensureWorkDir(gen)
	if err != nil {
		m.fail(gen, StateInstalling, "staging failed", err)
		return
	}

	if err := m.installDeps(ctx, gen, workDir); err != nil {
		m.fail(gen, StateInstalling, "dependency install failed", err)
		return
	}

	if !m.transition(gen, StateInstalling, StateLaunching, "") {
		return
	}
	m.launch(ctx, gen, workDir)
}

func (m *Manager) ensureWorkDir(gen uint64) (string, error) {
	m.mu.Lock()
	if m.workDir != "" {
		dir := m.workDir
		m.mu.Unlock()
		return dir, nil
	}
	m.mu.Unlock()

	dir, err := stageRuntime(m.cfg.SourceDir, m.cfg.EntryScript)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.workDir != "":
		// Another chain staged first.
		_ = os.RemoveAll(dir)
		return m.workDir, nil
	case m.gen != gen:
		_ = os.RemoveAll(dir)
		return "", context.Canceled
	}
	m.workDir = dir
	m.logger.Debug("Staged sidecar runtime", logfields.Path(dir))
	return dir, nil
}

func (m *Manager) installRequest(workDir string) (procexec.Request, bool) {
	req := filepath.Join(workDir, m.cfg.Requirements)
	if _, err := os.Stat(req); err != nil {
		return procexec.Request{}, false
	}
	return procexec.Request{
		Command: m.cfg.Interpreter,
		Args: []string{
			"-m", "pip", "install",
			"--disable-pip-version-check",
			"--no-warn-script-location",
			"--target", workDir,
			"-r", req,
		},
		Dir:     workDir,
		Env:     map[string]string{"PYTHONUNBUFFERED": "1"},
		Timeout: m.cfg.InstallTimeout,
		Label:   "pip",
	}, true
}

func (m *Manager) installDeps(ctx context.Context, gen uint64, workDir string) error {
	req, ok := m.installRequest(workDir)
	if !ok {
		m.logger.Info("No sidecar requirements file, skipping dependency install")
		return nil
	}
	m.pip.Lock()
	defer m.pip.Unlock()

	return m.runInstall(ctx, req, func(proc *procexec.Process) bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			return false
		}
		m.install = proc
		return true
	})
}

// runInstall spawns pip and waits at most req.Timeout. attach is called with
// the started process; returning false cancels it.
func (m *Manager) runInstall(ctx context.Context, req procexec.Request, attach func(*procexec.Process) bool) error {
	lines := &lineSplitter{emit: func(line string) {
		m.logger.Debug(line, logfields.Label("pip"))
	}}
	req.OnOutput = lines.write

	proc, err := m.spawner.Start(ctx, req)
	if err != nil {
		return err
	}
	if !attach(proc) {
		proc.Cancel()
		return context.Canceled
	}

	res, err := proc.Future().WaitTimeout(req.Timeout)
	lines.flush()

	m.mu.Lock()
	if m.install == proc {
		m.install = nil
	}
	m.mu.Unlock()

	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInstall, "sidecar dependency install did not complete").
			Warning().
			WithContext(ferrors.ContextOutput, proc.Output()).
			Build()
	}
	if res.ExitCode != 0 {
		return ferrors.InstallError(fmt.Sprintf("pip exited with code %d", res.ExitCode)).
			WithContext(ferrors.ContextExitCode, res.ExitCode).
			WithContext(ferrors.ContextOutput, res.Output).
			Build()
	}
	return nil
}

// InstallDependencies stages the runtime if needed and installs its
// requirements, blocking for at most the install timeout. It does not change
// the sidecar state and refuses to run while another install is in progress.
func (m *Manager) InstallDependencies(ctx context.Context) error {
	m.mu.Lock()
	gen, state := m.gen, m.state
	m.mu.Unlock()
	if state == StateInstalling || !m.pip.TryLock() {
		return ferrors.PreconditionError("sidecar dependency install already in progress").Build()
	}
	defer m.pip.Unlock()

	workDir, err := m.ensureWorkDir(gen)
	if err != nil {
		return err
	}
	req, ok := m.installRequest(workDir)
	if !ok {
		return nil
	}
	return m.runInstall(ctx, req, func(*procexec.Process) bool { return true })
}

func (m *Manager) launchRequest(gen uint64, workDir string, lines *lineSplitter) procexec.Request {
	pyPath := workDir
	if existing := os.Getenv("PYTHONPATH"); existing != "" {
		pyPath = existing + string(os.PathListSeparator) + workDir
	}
	root := ""
	if m.cfg.ProjectRoot != nil {
		root = m.cfg.ProjectRoot()
	}
	return procexec.Request{
		Command: m.cfg.Interpreter,
		Args:    []string{filepath.Join(workDir, m.cfg.EntryScript)},
		Dir:     workDir,
		Env: map[string]string{
			"PYTHONUNBUFFERED":     "1",
			"PYTHONPATH":           pyPath,
			"LICENSE_TOOL_PROJECT": root,
			"LICENSE_TOOL_MODEL":   project.Model(m.cfg.Model),
		},
		Label:       "sidecar",
		OutputLimit: outputTail,
		OnStart: func(pid int) {
			if m.transition(gen, StateLaunching, StateRunning, "") {
				m.logger.Info("Sidecar started", logfields.PID(pid))
			}
		},
		OnOutput: lines.write,
	}
}

func (m *Manager) launch(ctx context.Context, gen uint64, workDir string) {
	lines := &lineSplitter{emit: func(line string) {
		m.logger.Info(line, logfields.Label("sidecar"))
	}}
	req := m.launchRequest(gen, workDir, lines)

	proc, err := m.spawner.Start(ctx, req)
	if err != nil {
		m.fail(gen, StateLaunching, "sidecar spawn failed", err)
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		proc.Cancel()
		return
	}
	m.proc = proc
	m.mu.Unlock()

	<-proc.Done()
	lines.flush()

	m.mu.Lock()
	current := m.gen == gen && m.proc == proc
	if current {
		m.proc = nil
	}
	m.mu.Unlock()
	if !current {
		return
	}

	reason := "sidecar exited"
	if res, rerr := proc.Future().Result(); rerr == nil {
		reason = fmt.Sprintf("sidecar exited with code %d", res.ExitCode)
	}
	m.logger.Warn("Sidecar process exited", logfields.PID(proc.PID()), slog.String("reason", reason))
	m.transition(gen, StateRunning, StateStopped, reason)
}

// fail moves a current chain from `from` through failed to stopped.
func (m *Manager) fail(gen uint64, from State, msg string, err error) {
	if !m.transition(gen, from, StateFailed, err.Error()) {
		return
	}
	attrs := []any{logfields.Error(err)}
	if out := ferrors.OutputOf(err); out != "" {
		attrs = append(attrs, slog.String("output", out))
	}
	m.logger.Error(msg, attrs...)
	m.transition(gen, StateFailed, StateStopped, "")
}

func (m *Manager) transition(gen uint64, from, to State, reason string) bool {
	m.mu.Lock()
	if m.gen != gen || m.state != from {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	m.notify(Transition{From: from, To: to, At: time.Now(), Reason: reason})
	return true
}

func (m *Manager) notify(t Transition) {
	m.recorder.SetSidecarState(string(t.To))
	m.logger.Debug("Sidecar state changed",
		logfields.PrevState(string(t.From)),
		logfields.State(string(t.To)))
	if m.observer != nil {
		m.observer(t)
	}
}

// Stop terminates the sidecar and any install in progress and invalidates
// in-flight chains. Calling it on a stopped manager does nothing.
func (m *Manager) Stop(_ context.Context) {
	m.mu.Lock()
	m.gen++
	proc, install := m.proc, m.install
	m.proc, m.install = nil, nil
	from := m.state
	m.state = StateStopped
	m.mu.Unlock()

	if install != nil {
		install.Cancel()
	}
	if proc != nil {
		proc.Cancel()
		m.logger.Info("Sidecar stopped", logfields.PID(proc.PID()))
	}
	if from != StateStopped {
		m.notify(Transition{From: from, To: StateStopped, At: time.Now()})
	}
}

// Dispose stops the sidecar, waits for in-flight chains to observe it and
// removes the work directory.
func (m *Manager) Dispose() {
	m.Stop(context.Background())
	m.chains.Wait()

	m.mu.Lock()
	dir := m.workDir
	m.workDir = ""
	m.mu.Unlock()
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("Could not remove sidecar work directory", logfields.Path(dir), logfields.Error(err))
		}
	}
}
