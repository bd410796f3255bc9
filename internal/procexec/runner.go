// Package procexec spawns external processes without blocking the caller.
//
// Output of stdout and stderr is merged into a single buffer, the exit result
// is delivered through a future from a background goroutine, and cancelling
// that future kills the whole process group.
package procexec

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/future"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
	"git.home.luguber.info/inful/licensetool/internal/metrics"
)

// DefaultTimeout bounds Runner.Run when neither the request nor the runner sets one.
const DefaultTimeout = 15 * time.Minute

// outputDrainDelay bounds how long Wait keeps copying output after the process
// exited, in case a detached grandchild still holds the pipe open.
const outputDrainDelay = 5 * time.Second

// Request describes one process invocation.
type Request struct {
	Command string
	Args    []string
	Dir     string
	// Env entries overlay the parent environment.
	Env map[string]string
	// Timeout bounds Run; zero uses the runner default.
	Timeout time.Duration
	// Key identifies the logical request, typically a canonical file path.
	Key string
	// Label names the invocation in logs and metrics.
	Label string
	// OutputLimit keeps only the last OutputLimit bytes of output when
	// positive. Long-lived processes set it and consume OnOutput instead.
	OutputLimit int

	OnStart  func(pid int)
	OnOutput func(chunk []byte)
}

func (r Request) label() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Command
}

// Result is the outcome of a finished process. A non-zero ExitCode is a
// result, not an error; interpreting it is the caller's job.
type Result struct {
	ExitCode     int
	Output       string
	ArtifactPath string
	PID          int
	Duration     time.Duration
}

// Runner spawns processes. The zero value is not usable; use NewRunner.
type Runner struct {
	logger         *slog.Logger
	recorder       metrics.Recorder
	defaultTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Runner) { r.recorder = metrics.OrNoop(rec) }
}

// WithDefaultTimeout sets the bound Run applies when a request has none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger:         slog.Default(),
		recorder:       metrics.NoopRecorder{},
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process is a spawned process and the future of its result.
type Process struct {
	cmd     *exec.Cmd
	req     Request
	out     *outputBuffer
	fut     *future.Future[Result]
	pid     int
	started time.Time

	mu     sync.Mutex
	exited bool
	done   chan struct{}
}

// Start spawns req and returns immediately. The returned process settles its
// future with a Result once the process exits, or with future.ErrCancelled
// if it is cancelled first. Cancelling ctx cancels the process.
func (r *Runner) Start(ctx context.Context, req Request) (*Process, error) {
	if IsForeground(ctx) {
		return nil, ferrors.PreconditionError("process spawn requested from the foreground context").
			WithContext(ferrors.ContextCommand, req.Command).
			Build()
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, ferrors.ValidationError("process command is empty").Build()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Dir
	if len(req.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), req.Env)
	}
	out := &outputBuffer{limit: req.OutputLimit, onOutput: req.OnOutput}
	// One writer for both streams makes os/exec share a single pipe.
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = outputDrainDelay
	configureCommandProcess(cmd)

	if err := cmd.Start(); err != nil {
		r.recorder.IncProcessResult(req.label(), metrics.ResultFailed)
		return nil, ferrors.WrapError(err, ferrors.CategorySpawn, "failed to start process").
			UserAction().
			WithContext(ferrors.ContextCommand, req.Command).
			Build()
	}

	p := &Process{
		cmd:     cmd,
		req:     req,
		out:     out,
		fut:     future.New[Result](),
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	p.fut.OnCancel(p.kill)

	r.logger.Debug("Process started",
		logfields.Label(req.label()),
		logfields.Command(req.Command),
		logfields.PID(p.pid),
		logfields.Key(req.Key))

	if req.OnStart != nil {
		req.OnStart(p.pid)
	}

	stop := context.AfterFunc(ctx, func() { p.fut.Cancel() })
	go r.wait(p, stop)

	return p, nil
}

func (r *Runner) wait(p *Process, stopCtxWatch func() bool) {
	waitErr := p.cmd.Wait()
	duration := time.Since(p.started)

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
	close(p.done)
	stopCtxWatch()

	label := p.req.label()
	r.recorder.ObserveProcessDuration(label, duration)

	exitCode := 0
	if errors.Is(waitErr, exec.ErrWaitDelay) && p.cmd.ProcessState != nil {
		exitCode = p.cmd.ProcessState.ExitCode()
		waitErr = nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			r.recorder.IncProcessResult(label, metrics.ResultFailed)
			p.fut.Reject(ferrors.WrapError(waitErr, ferrors.CategoryRuntime, "waiting for process failed").
				WithContext(ferrors.ContextCommand, p.req.Command).
				WithContext(ferrors.ContextOutput, p.out.String()).
				Build())
			return
		}
		exitCode = exitErr.ExitCode()
	}

	res := Result{
		ExitCode: exitCode,
		Output:   p.out.String(),
		PID:      p.pid,
		Duration: duration,
	}
	if p.fut.Resolve(res) {
		result := metrics.ResultSuccess
		if exitCode != 0 {
			result = metrics.ResultFailed
		}
		r.recorder.IncProcessResult(label, result)
		r.logger.Debug("Process exited",
			logfields.Label(label),
			logfields.PID(p.pid),
			logfields.ExitCode(exitCode),
			logfields.DurationMS(float64(duration.Milliseconds())))
		return
	}
	r.recorder.IncProcessResult(label, metrics.ResultCanceled)
	r.logger.Debug("Cancelled process exited", logfields.Label(label), logfields.PID(p.pid))
}

// Run starts req and waits for its result, for at most req.Timeout or the
// runner default. On expiry the process is cancelled and a timeout error
// carrying the output so far is returned.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	p, err := r.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	res, err := p.fut.WaitTimeout(timeout)
	if err != nil && ferrors.HasCategory(err, ferrors.CategoryTimeout) {
		r.recorder.IncProcessResult(req.label(), metrics.ResultTimeout)
		return Result{}, ferrors.WrapError(err, ferrors.CategoryTimeout, "process did not finish in time").
			Retryable().
			WithContext(ferrors.ContextCommand, req.Command).
			WithContext(ferrors.ContextTimeout, timeout.String()).
			WithContext(ferrors.ContextOutput, p.Output()).
			Build()
	}
	return res, err
}

// Future returns the result future. Cancelling it kills the process.
func (p *Process) Future() *future.Future[Result] { return p.fut }

// Done is closed when the OS process has exited, which may be after the
// future was cancelled.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) PID() int { return p.pid }

// Output returns the merged output captured so far, truncated to the tail
// when the request set an OutputLimit.
func (p *Process) Output() string { return p.out.String() }

// Alive reports whether the OS process has not exited yet.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// Cancel cancels the future and kills the process group. It is idempotent and
// does nothing once the process has exited.
func (p *Process) Cancel() {
	if !p.Alive() {
		return
	}
	p.fut.Cancel()
}

func (p *Process) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	terminateCommandProcess(p.cmd)
}

func mergeEnv(base []string, overlay map[string]string) []string {
	env := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, replaced := overlay[k]; replaced {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}
