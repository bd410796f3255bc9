package sidecar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/procexec"
	"git.home.luguber.info/inful/licensetool/internal/project"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const waitFor = 10 * time.Second
const tick = 10 * time.Millisecond

// fakeRuntime writes a server source dir and a fake interpreter. The
// interpreter handles "-m pip ..." with pipScript and anything else with
// serverScript.
type fakeRuntime struct {
	source      string
	interpreter string
}

func newFakeRuntime(t *testing.T, withRequirements bool, pipScript, serverScript string) fakeRuntime {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter is a shell script")
	}
	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, DefaultEntryScript), []byte("print('hi')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "utils.py"), []byte("\n"), 0o644))
	if withRequirements {
		require.NoError(t, os.WriteFile(filepath.Join(source, DefaultRequirements), []byte("flask\n"), 0o644))
	}

	interp := filepath.Join(t.TempDir(), "python3")
	script := "#!/bin/sh\nif [ \"$1\" = \"-m\" ]; then\n" + pipScript + "\nfi\n" + serverScript + "\n"
	require.NoError(t, os.WriteFile(interp, []byte(script), 0o755))
	return fakeRuntime{source: source, interpreter: interp}
}

type countingSpawner struct {
	inner *procexec.Runner

	mu       sync.Mutex
	installs int
	launches int
	last     procexec.Request
}

func (c *countingSpawner) Start(ctx context.Context, req procexec.Request) (*procexec.Process, error) {
	c.mu.Lock()
	if len(req.Args) > 0 && req.Args[0] == "-m" {
		c.installs++
	} else {
		c.launches++
	}
	c.last = req
	c.mu.Unlock()
	return c.inner.Start(ctx, req)
}

func (c *countingSpawner) lastRequest() procexec.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *countingSpawner) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installs, c.launches
}

type transitionLog struct {
	mu  sync.Mutex
	log []Transition
}

func (l *transitionLog) add(t Transition) {
	l.mu.Lock()
	l.log = append(l.log, t)
	l.mu.Unlock()
}

func (l *transitionLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.log))
	for _, t := range l.log {
		out = append(out, t.To)
	}
	return out
}

func newManager(t *testing.T, rt fakeRuntime, cfg Config) (*Manager, *countingSpawner, *transitionLog) {
	t.Helper()
	cfg.SourceDir = rt.source
	cfg.Interpreter = rt.interpreter
	sp := &countingSpawner{inner: procexec.NewRunner()}
	tl := &transitionLog{}
	m := NewManager(cfg, sp, WithObserver(tl.add))
	t.Cleanup(m.Dispose)
	return m, sp, tl
}

func TestEnsureStarted_InstallThenRun(t *testing.T) {
	rt := newFakeRuntime(t, true, "exit 0", "exec sleep 30")
	m, sp, tl := newManager(t, rt, Config{})

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool { return m.State() == StateRunning }, waitFor, tick)

	installs, launches := sp.counts()
	require.Equal(t, 1, installs)
	require.Equal(t, 1, launches)
	require.Equal(t, []State{StateInstalling, StateLaunching, StateRunning}, tl.states())

	require.Eventually(t, func() bool { return m.Status().PID > 0 }, waitFor, tick)
	st := m.Status()
	require.DirExists(t, st.WorkDir)
	require.FileExists(t, filepath.Join(st.WorkDir, "utils.py"))

	info, err := os.Stat(filepath.Join(st.WorkDir, DefaultEntryScript))
	require.NoError(t, err)
	require.NotZero(t, info.Mode().Perm()&0o100, "entry script must be executable")

	m.Stop(t.Context())
	require.Equal(t, StateStopped, m.State())
	m.Stop(t.Context())

	m.Dispose()
	require.NoDirExists(t, st.WorkDir)
}

func TestEnsureStarted_ConcurrentCallsSpawnOnce(t *testing.T) {
	rt := newFakeRuntime(t, true, "sleep 0.2; exit 0", "exec sleep 30")
	m, sp, _ := newManager(t, rt, Config{})

	var g errgroup.Group
	for range 20 {
		g.Go(func() error {
			m.EnsureStarted(t.Context())
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Eventually(t, func() bool { return m.State() == StateRunning }, waitFor, tick)

	m.EnsureStarted(t.Context())
	installs, launches := sp.counts()
	require.Equal(t, 1, installs)
	require.Equal(t, 1, launches)
}

func TestEnsureStarted_InstallFailureDoesNotLaunch(t *testing.T) {
	rt := newFakeRuntime(t, true, "echo 'ERROR: no matching distribution'; exit 1", "exec sleep 30")
	m, sp, tl := newManager(t, rt, Config{})

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool {
		s := tl.states()
		return len(s) > 0 && s[len(s)-1] == StateStopped
	}, waitFor, tick)

	require.Equal(t, []State{StateInstalling, StateFailed, StateStopped}, tl.states())
	_, launches := sp.counts()
	require.Zero(t, launches)
}

func TestEnsureStarted_InstallTimeout(t *testing.T) {
	rt := newFakeRuntime(t, true, "exec sleep 30", "exec sleep 30")
	m, sp, tl := newManager(t, rt, Config{InstallTimeout: 200 * time.Millisecond})

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool {
		s := tl.states()
		return len(s) == 3 && s[2] == StateStopped
	}, waitFor, tick)
	require.Contains(t, tl.states(), StateFailed)
	_, launches := sp.counts()
	require.Zero(t, launches)
}

func TestEnsureStarted_NoRequirementsSkipsInstall(t *testing.T) {
	rt := newFakeRuntime(t, false, "exit 1", "exec sleep 30")
	m, sp, _ := newManager(t, rt, Config{})

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool { return m.State() == StateRunning }, waitFor, tick)
	installs, _ := sp.counts()
	require.Zero(t, installs)
}

func TestEnsureStarted_SpawnFailure(t *testing.T) {
	rt := newFakeRuntime(t, false, "exit 0", "exit 0")
	m, _, tl := newManager(t, rt, Config{})
	m.cfg.Interpreter = filepath.Join(t.TempDir(), "missing-python")

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool {
		s := tl.states()
		return len(s) == 4 && s[3] == StateStopped
	}, waitFor, tick)
	require.Equal(t, []State{StateInstalling, StateLaunching, StateFailed, StateStopped}, tl.states())
}

func TestEnsureStarted_MissingSourceFails(t *testing.T) {
	m := NewManager(Config{SourceDir: filepath.Join(t.TempDir(), "nope")}, nil)
	var tl transitionLog
	m.observer = tl.add
	t.Cleanup(m.Dispose)

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool { return m.State() == StateStopped && len(tl.states()) == 3 }, waitFor, tick)
	require.Equal(t, StateFailed, tl.states()[1])
}

func TestStop_DuringInstallInvalidatesChain(t *testing.T) {
	rt := newFakeRuntime(t, true, "exec sleep 30", "exec sleep 30")
	m, sp, _ := newManager(t, rt, Config{})

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool {
		installs, _ := sp.counts()
		return installs == 1
	}, waitFor, tick)

	m.Stop(t.Context())
	require.Equal(t, StateStopped, m.State())

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, StateStopped, m.State())
	_, launches := sp.counts()
	require.Zero(t, launches)
}

func TestSidecarExitReturnsToStoppedAndRestarts(t *testing.T) {
	rt := newFakeRuntime(t, false, "exit 0", "sleep 0.2; exit 3")
	m, sp, tl := newManager(t, rt, Config{})

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool {
		s := tl.states()
		return len(s) == 4 && s[3] == StateStopped
	}, waitFor, tick)
	require.Equal(t, []State{StateInstalling, StateLaunching, StateRunning, StateStopped}, tl.states())

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool {
		_, launches := sp.counts()
		return launches == 2
	}, waitFor, tick)
}

func TestLaunchEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	rt := newFakeRuntime(t, false, "exit 0",
		fmt.Sprintf(`printf '%%s\n%%s\n%%s\n%%s\n' "$LICENSE_TOOL_PROJECT" "$LICENSE_TOOL_MODEL" "$PYTHONPATH" "$PYTHONUNBUFFERED" > %q; exec sleep 30`, out))
	m, _, _ := newManager(t, rt, Config{ProjectRoot: project.StaticRoot("/work/app")})

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && strings.Count(string(data), "\n") == 4
	}, waitFor, tick)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Equal(t, "/work/app", lines[0])
	require.Equal(t, project.DefaultModel, lines[1])
	require.True(t, strings.HasSuffix(lines[2], m.Status().WorkDir))
	require.Equal(t, "1", lines[3])
}

func TestInstallDependencies_Sync(t *testing.T) {
	rt := newFakeRuntime(t, true, "exit 2", "exit 0")
	m, _, _ := newManager(t, rt, Config{})

	err := m.InstallDependencies(t.Context())
	require.Error(t, err)
	require.Equal(t, StateStopped, m.State())
}

func TestInstallDependencies_UsesSpawner(t *testing.T) {
	rt := newFakeRuntime(t, true, "exit 0", "exit 0")
	m, sp, tl := newManager(t, rt, Config{})

	require.NoError(t, m.InstallDependencies(t.Context()))
	installs, launches := sp.counts()
	require.Equal(t, 1, installs)
	require.Zero(t, launches)
	require.Empty(t, tl.states())
}

func TestInstallDependencies_Timeout(t *testing.T) {
	rt := newFakeRuntime(t, true, "exec sleep 30", "exit 0")
	m, _, _ := newManager(t, rt, Config{InstallTimeout: 200 * time.Millisecond})

	start := time.Now()
	err := m.InstallDependencies(t.Context())
	require.Error(t, err)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryInstall))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestInstallDependencies_BusyWhileInstalling(t *testing.T) {
	rt := newFakeRuntime(t, true, "exec sleep 30", "exec sleep 30")
	m, _, _ := newManager(t, rt, Config{})

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool { return m.State() == StateInstalling }, waitFor, tick)

	err := m.InstallDependencies(t.Context())
	require.Error(t, err)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryPrecondition))
}

func TestInstallDependencies_BusyWhileManualInstallRuns(t *testing.T) {
	rt := newFakeRuntime(t, true, "exec sleep 30", "exit 0")
	m, sp, _ := newManager(t, rt, Config{InstallTimeout: 3 * time.Second})

	first := make(chan error, 1)
	go func() { first <- m.InstallDependencies(context.Background()) }()
	require.Eventually(t, func() bool {
		installs, _ := sp.counts()
		return installs == 1
	}, waitFor, tick)

	err := m.InstallDependencies(t.Context())
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryPrecondition))
	require.Error(t, <-first)
}

func TestLaunchRequestBoundsOutput(t *testing.T) {
	rt := newFakeRuntime(t, false, "exit 0", "exec sleep 30")
	m, sp, _ := newManager(t, rt, Config{})

	m.EnsureStarted(t.Context())
	require.Eventually(t, func() bool { return m.State() == StateRunning }, waitFor, tick)

	req := sp.lastRequest()
	require.Positive(t, req.OutputLimit)
	require.NotNil(t, req.OnOutput)
}

func TestLineSplitter(t *testing.T) {
	var got []string
	l := &lineSplitter{emit: func(s string) { got = append(got, s) }}
	l.write([]byte("one\ntw"))
	l.write([]byte("o\r\nthr"))
	l.flush()
	require.Equal(t, []string{"one", "two", "thr"}, got)
}
