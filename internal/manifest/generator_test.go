package manifest

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/future"
	"git.home.luguber.info/inful/licensetool/internal/procexec"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeExecutable(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
}

func TestResolveExecutable_Order(t *testing.T) {
	project := t.TempDir()
	mavenHome := t.TempDir()
	m2Home := t.TempDir()

	t.Run("os default", func(t *testing.T) {
		g := NewGenerator(nil, withEnv(envMap(nil), "linux"))
		require.Equal(t, "mvn", g.ResolveExecutable(project))

		gw := NewGenerator(nil, withEnv(envMap(nil), "windows"))
		require.Equal(t, "mvn.cmd", gw.ResolveExecutable(project))
	})

	t.Run("M2_HOME when MAVEN_HOME has no launcher", func(t *testing.T) {
		writeExecutable(t, filepath.Join(m2Home, "bin", "mvn"), "#!/bin/sh\n")
		g := NewGenerator(nil, withEnv(envMap(map[string]string{
			"MAVEN_HOME": t.TempDir(),
			"M2_HOME":    m2Home,
		}), "linux"))
		require.Equal(t, filepath.Join(m2Home, "bin", "mvn"), g.ResolveExecutable(project))
	})

	t.Run("MAVEN_HOME", func(t *testing.T) {
		writeExecutable(t, filepath.Join(mavenHome, "bin", "mvn"), "#!/bin/sh\n")
		g := NewGenerator(nil, withEnv(envMap(map[string]string{
			"MAVEN_HOME": mavenHome,
			"M2_HOME":    m2Home,
		}), "linux"))
		require.Equal(t, filepath.Join(mavenHome, "bin", "mvn"), g.ResolveExecutable(project))
	})

	t.Run("non-executable home launcher is skipped", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission bits")
		}
		home := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(home, "bin"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(home, "bin", "mvn"), []byte(""), 0o644))
		g := NewGenerator(nil, withEnv(envMap(map[string]string{"MAVEN_HOME": home}), "linux"))
		require.Equal(t, "mvn", g.ResolveExecutable(project))
	})

	t.Run("project wrapper wins", func(t *testing.T) {
		writeExecutable(t, filepath.Join(project, "mvnw"), "#!/bin/sh\n")
		g := NewGenerator(nil, withEnv(envMap(map[string]string{"MAVEN_HOME": mavenHome}), "linux"))
		require.Equal(t, filepath.Join(project, "mvnw"), g.ResolveExecutable(project))
	})
}

func TestRequest_FixedParameters(t *testing.T) {
	project := t.TempDir()
	pom := filepath.Join(project, "pom.xml")
	g := NewGenerator(nil, withEnv(envMap(nil), "linux"))

	req := g.Request(project, pom)
	require.Equal(t, "mvn", req.Command)
	require.Equal(t, project, req.Dir)
	require.Equal(t, []string{
		PluginGoal,
		"-f", pom,
		"-DoutputFormat=xml",
		"-DoutputDirectory=" + filepath.Join(project, ".license-tool"),
		"-DoutputName=bom",
		"-DincludeBomSerialNumber=false",
		"-B",
	}, req.Args)
	require.Equal(t, filepath.Join(project, ".license-tool", "bom.xml"), g.CanonicalPath(project))
	require.Equal(t, filepath.Join(project, ".license-tool", "bom-prev.xml"), g.PreviousPath(project))
}

// fakeMaven writes a project-local mvnw that reports a BOM in target/ and
// exits with the code in FAKE_MVN_EXIT.
func fakeMaven(t *testing.T, project, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake maven is a shell script")
	}
	writeExecutable(t, filepath.Join(project, "mvnw"), "#!/bin/sh\n"+script)
}

func TestGenerate_RelocatesReportedManifest(t *testing.T) {
	project := t.TempDir()
	fakeMaven(t, project, `mkdir -p target
echo '<bom><components/></bom>' > target/bom.xml
echo "[INFO] `+BOMMarker+` $(pwd)/target/bom.xml"
`)
	g := NewGenerator(nil)
	path, err := g.Generate(t.Context(), project, filepath.Join(project, "pom.xml"))
	require.NoError(t, err)
	require.Equal(t, g.CanonicalPath(project), path)
	require.FileExists(t, path)
	require.NoFileExists(t, filepath.Join(project, "target", "bom.xml"))
}

func TestGenerate_ToolFailure(t *testing.T) {
	project := t.TempDir()
	fakeMaven(t, project, "echo '[ERROR] BUILD FAILURE'\nexit 1\n")

	_, err := NewGenerator(nil).Generate(t.Context(), project, filepath.Join(project, "pom.xml"))
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryExternalTool))
	code, ok := ferrors.ExitCodeOf(err)
	require.True(t, ok)
	require.Equal(t, 1, code)
	require.Contains(t, ferrors.OutputOf(err), "BUILD FAILURE")
}

func TestGenerate_ArtifactNotFound(t *testing.T) {
	project := t.TempDir()
	fakeMaven(t, project, "echo '[INFO] BUILD SUCCESS'\n")

	_, err := NewGenerator(nil).Generate(t.Context(), project, filepath.Join(project, "pom.xml"))
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryArtifact))
}

func TestGenerate_Timeout(t *testing.T) {
	project := t.TempDir()
	fakeMaven(t, project, "sleep 30\n")

	g := NewGenerator(nil, WithTimeout(200*time.Millisecond))
	_, err := g.Generate(t.Context(), project, filepath.Join(project, "pom.xml"))
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryTimeout))
}

func TestGenerateAsync_CancelKillsMaven(t *testing.T) {
	project := t.TempDir()
	fakeMaven(t, project, "sleep 30\n")

	f, err := NewGenerator(nil).GenerateAsync(t.Context(), project, filepath.Join(project, "pom.xml"))
	require.NoError(t, err)
	require.True(t, f.Cancel())

	_, err = f.Result()
	require.ErrorIs(t, err, future.ErrCancelled)
}

func TestGenerate_ForegroundRejected(t *testing.T) {
	project := t.TempDir()
	_, err := NewGenerator(nil).Generate(procexec.MarkForeground(t.Context()), project, filepath.Join(project, "pom.xml"))
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryPrecondition))
}
