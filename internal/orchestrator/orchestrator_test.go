package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/licensetool/internal/events"
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/future"
	"git.home.luguber.info/inful/licensetool/internal/procexec"
	"git.home.luguber.info/inful/licensetool/internal/project"
	"git.home.luguber.info/inful/licensetool/internal/sidecar"
)

// fakeMaven records "start" and "end" for every run, honours an optional
// delay and fail marker, and copies bom-src.xml to the requested output.
const fakeMaven = `#!/bin/sh
dir=$(cd "$(dirname "$0")" && pwd)
echo start >> "$dir/invocations"
for a in "$@"; do
  case "$a" in
    -DoutputDirectory=*) out="${a#-DoutputDirectory=}" ;;
    -DoutputName=*) name="${a#-DoutputName=}" ;;
  esac
done
if [ -f "$dir/delay" ]; then sleep "$(cat "$dir/delay")"; fi
if [ -f "$dir/fail" ]; then
  echo "[ERROR] BUILD FAILURE"
  echo end >> "$dir/invocations"
  exit 1
fi
mkdir -p "$out"
cp "$dir/bom-src.xml" "$out/$name.xml"
echo "[INFO] CycloneDX: Writing and validating BOM (XML): $out/$name.xml"
echo end >> "$dir/invocations"
`

const bomOne = `<?xml version="1.0" encoding="UTF-8"?>
<bom xmlns="http://cyclonedx.org/schema/bom/1.5" version="1">
  <components>
    <component type="library">
      <group>org.slf4j</group>
      <name>slf4j-api</name>
      <version>2.0.9</version>
      <licenses><license><id>MIT</id></license></licenses>
    </component>
  </components>
</bom>
`

const bomTwo = `<?xml version="1.0" encoding="UTF-8"?>
<bom xmlns="http://cyclonedx.org/schema/bom/1.5" version="1">
  <components>
    <component type="library">
      <group>org.slf4j</group>
      <name>slf4j-api</name>
      <version>2.0.12</version>
      <licenses><license><id>MIT</id></license></licenses>
    </component>
  </components>
</bom>
`

type fixture struct {
	root string
	pom  string
	o    *Orchestrator
	bus  *events.Bus
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake maven is a shell script")
	}
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "mvnw"), []byte(fakeMaven), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bom-src.xml"), []byte(bomOne), 0o644))
	pom := filepath.Join(root, "pom.xml")
	require.NoError(t, os.WriteFile(pom, []byte("<project/>"), 0o644))

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	cfg := Config{
		Root:            project.StaticRoot(root),
		Model:           project.StaticModel("test-model"),
		ManifestTimeout: 10 * time.Second,
		Sidecar:         sidecar.Config{SourceDir: filepath.Join(root, "missing-sidecar")},
	}
	o := New(cfg, append([]Option{WithBus(bus)}, opts...)...)
	o.Start(t.Context())
	t.Cleanup(func() { o.Dispose(context.Background()) })
	return &fixture{root: root, pom: pom, o: o, bus: bus}
}

func (f *fixture) setDelay(t *testing.T, d string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "delay"), []byte(d), 0o644))
}

func (f *fixture) invocations(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, "invocations"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func TestGenerateManifest_Success(t *testing.T) {
	f := newFixture(t)

	path, err := f.o.GenerateManifest(t.Context(), f.pom).WaitTimeout(10 * time.Second)
	require.NoError(t, err)
	require.Equal(t, f.o.Generator().CanonicalPath(f.root), path)
	require.FileExists(t, path)
	require.Eventually(t, func() bool { return len(f.o.Status().InFlight) == 0 }, time.Second, 10*time.Millisecond)
}

func TestGenerateManifest_ConcurrentCallersShareOneRun(t *testing.T) {
	f := newFixture(t)
	f.setDelay(t, "0.3")

	const callers = 8
	paths := make([]string, callers)
	handles := make([]*future.Future[string], callers)
	var g errgroup.Group
	for i := range callers {
		g.Go(func() error {
			h := f.o.GenerateManifest(t.Context(), f.pom)
			handles[i] = h
			p, err := h.WaitTimeout(10 * time.Second)
			paths[i] = p
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 1; i < callers; i++ {
		require.Same(t, handles[0], handles[i])
		require.Equal(t, paths[0], paths[i])
	}
	require.Equal(t, []string{"start", "end"}, f.invocations(t))
}

func TestGenerateManifest_EquivalentPathsShareOneKey(t *testing.T) {
	f := newFixture(t)
	f.setDelay(t, "0.3")

	a := f.o.GenerateManifest(t.Context(), f.pom)
	b := f.o.GenerateManifest(t.Context(), filepath.Join(f.root, ".", "pom.xml"))
	require.Same(t, a, b)

	_, err := a.WaitTimeout(10 * time.Second)
	require.NoError(t, err)
}

func TestGenerateManifest_DifferentPOMsRunSerially(t *testing.T) {
	f := newFixture(t)
	f.setDelay(t, "0.2")
	sub := filepath.Join(f.root, "module", "pom.xml")
	require.NoError(t, os.MkdirAll(filepath.Dir(sub), 0o755))
	require.NoError(t, os.WriteFile(sub, []byte("<project/>"), 0o644))

	first := f.o.GenerateManifest(t.Context(), f.pom)
	second := f.o.GenerateManifest(t.Context(), sub)
	require.NotSame(t, first, second)

	_, err := first.WaitTimeout(10 * time.Second)
	require.NoError(t, err)
	_, err = second.WaitTimeout(10 * time.Second)
	require.NoError(t, err)

	require.Equal(t, []string{"start", "end", "start", "end"}, f.invocations(t))
}

func TestGenerateManifest_ToolFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "fail"), nil, 0o644))

	_, err := f.o.GenerateManifest(t.Context(), f.pom).WaitTimeout(10 * time.Second)
	require.Error(t, err)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryExternalTool))
	code, ok := ferrors.ExitCodeOf(err)
	require.True(t, ok)
	require.Equal(t, 1, code)
	require.Contains(t, ferrors.OutputOf(err), "BUILD FAILURE")

	// The failed entry is retired, so a retry runs Maven again.
	require.NoError(t, os.Remove(filepath.Join(f.root, "fail")))
	_, err = f.o.GenerateManifest(t.Context(), f.pom).WaitTimeout(10 * time.Second)
	require.NoError(t, err)
	require.Len(t, f.invocations(t), 4)
}

func TestGenerateManifest_CancelKillsRun(t *testing.T) {
	f := newFixture(t)
	f.setDelay(t, "30")

	h := f.o.GenerateManifest(t.Context(), f.pom)
	require.Eventually(t, func() bool { return len(f.invocations(t)) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.True(t, h.Cancel())
	_, err := h.Result()
	require.ErrorIs(t, err, future.ErrCancelled)

	require.Eventually(t, func() bool {
		st := f.o.Status()
		return len(st.InFlight) == 0 && st.ActiveJob == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"start"}, f.invocations(t))

	// A new request starts a fresh run.
	next := f.o.GenerateManifest(t.Context(), f.pom)
	require.NotSame(t, h, next)
	next.Cancel()
}

func TestGenerateManifest_UnknownRoot(t *testing.T) {
	o := New(Config{Root: project.StaticRoot("")})
	t.Cleanup(func() { o.Dispose(context.Background()) })

	_, err := o.GenerateManifest(t.Context(), "pom.xml").Result()
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
}

func TestGenerateManifest_PublishesEvents(t *testing.T) {
	f := newFixture(t)
	requested, unsubReq := events.Subscribe[events.ManifestRequested](f.bus, 4)
	defer unsubReq()
	generated, unsubGen := events.Subscribe[events.ManifestGenerated](f.bus, 4)
	defer unsubGen()
	jobs, unsubJobs := events.Subscribe[events.JobFinished](f.bus, 4)
	defer unsubJobs()

	path, err := f.o.GenerateManifest(t.Context(), f.pom).WaitTimeout(10 * time.Second)
	require.NoError(t, err)

	select {
	case evt := <-requested:
		require.False(t, evt.Joined)
		require.Equal(t, filepath.Base(f.pom), filepath.Base(evt.Key))
	case <-time.After(time.Second):
		t.Fatal("no ManifestRequested event")
	}
	select {
	case evt := <-generated:
		require.Equal(t, path, evt.Path)
	case <-time.After(time.Second):
		t.Fatal("no ManifestGenerated event")
	}
	select {
	case evt := <-jobs:
		require.Equal(t, "completed", evt.Status)
	case <-time.After(time.Second):
		t.Fatal("no JobFinished event")
	}
}

func TestRefreshManifest_ReportsChanges(t *testing.T) {
	f := newFixture(t)
	changed, unsub := events.Subscribe[events.DependenciesChanged](f.bus, 2)
	defer unsub()

	first, err := f.o.RefreshManifest(t.Context(), f.pom)
	require.NoError(t, err)
	require.Len(t, first.Added, 1)
	require.Empty(t, first.Removed)

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "bom-src.xml"), []byte(bomTwo), 0o644))
	second, err := f.o.RefreshManifest(t.Context(), f.pom)
	require.NoError(t, err)
	require.Len(t, second.Added, 1)
	require.Len(t, second.Removed, 1)
	require.Equal(t, "2.0.12", second.Added[0].Version)
	require.Equal(t, "2.0.9", second.Removed[0].Version)
	require.FileExists(t, f.o.Generator().PreviousPath(f.root))

	<-changed
	evt := <-changed
	require.Equal(t, f.root, evt.Project)
	require.Len(t, evt.Added, 1)
}

func TestRefreshManifest_RejectsForeground(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.RefreshManifest(procexec.MarkForeground(t.Context()), f.pom)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryPrecondition))
	require.Empty(t, f.invocations(t))
}

func TestEnsureSidecarRunning_PublishesTransitions(t *testing.T) {
	f := newFixture(t)
	changes, unsub := events.Subscribe[events.SidecarStateChanged](f.bus, 8)
	defer unsub()

	f.o.EnsureSidecarRunning(t.Context())

	var seen []string
	require.Eventually(t, func() bool {
		for {
			select {
			case evt := <-changes:
				seen = append(seen, evt.To)
			default:
				return len(seen) >= 3
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"installing", "failed", "stopped"}, seen[:3])
	require.Equal(t, sidecar.StateStopped, f.o.SidecarStatus().State)
}

func TestDispose(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	f.o.OnDispose(record("first"))
	f.o.OnDispose(record("second"))
	f.o.OnDispose(func() { panic("hook failure") })

	f.o.Dispose(t.Context())
	f.o.Dispose(t.Context())
	require.Equal(t, []string{"second", "first"}, order)

	f.o.OnDispose(record("late"))
	require.Equal(t, []string{"second", "first", "late"}, order)

	_, err := f.o.GenerateManifest(t.Context(), f.pom).Result()
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryDaemon))
}

func TestDispose_CancelsInFlightGeneration(t *testing.T) {
	f := newFixture(t)
	f.setDelay(t, "30")

	h := f.o.GenerateManifest(t.Context(), f.pom)
	require.Eventually(t, func() bool { return len(f.invocations(t)) == 1 }, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.o.Dispose(t.Context())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("dispose did not return")
	}
	_, err := h.Result()
	require.ErrorIs(t, err, future.ErrCancelled)
}

func TestDispose_RacingGenerateSettlesEveryAcceptedHandle(t *testing.T) {
	f := newFixture(t)
	requested, unsub := events.Subscribe[events.ManifestRequested](f.bus, 1024)
	defer unsub()

	var (
		mu      sync.Mutex
		handles []*future.Future[string]
	)
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 20 {
				h := f.o.GenerateManifest(context.Background(), f.pom)
				mu.Lock()
				handles = append(handles, h)
				mu.Unlock()
			}
			return nil
		})
	}
	f.o.Dispose(t.Context())
	require.NoError(t, g.Wait())

	accepted := 0
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatal("handle accepted during dispose is still pending")
		}
		if _, err := h.Result(); !ferrors.HasCategory(err, ferrors.CategoryDaemon) {
			accepted++
		}
	}
	require.Len(t, requested, accepted)
}
