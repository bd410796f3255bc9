// Package manifest produces and compares CycloneDX dependency manifests of
// Maven projects.
package manifest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"git.home.luguber.info/inful/licensetool/internal/artifact"
	"git.home.luguber.info/inful/licensetool/internal/dedup"
	"git.home.luguber.info/inful/licensetool/internal/future"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
	"git.home.luguber.info/inful/licensetool/internal/procexec"
)

const (
	DefaultOutputDir  = ".license-tool"
	DefaultOutputName = "bom"
	PreviousSuffix    = "-prev"
	DiffFileName      = "dependency-diff.json"

	// PluginGoal is the fully qualified CycloneDX goal invoked on the project.
	PluginGoal = "org.cyclonedx:cyclonedx-maven-plugin:2.9.1:makeAggregateBom"
	// BOMMarker precedes the written BOM path in the plugin's output.
	BOMMarker = "CycloneDX: Writing and validating BOM (XML):"

	DefaultTimeout = 15 * time.Minute
)

// Generator invokes Maven with the CycloneDX plugin.
type Generator struct {
	runner     *procexec.Runner
	logger     *slog.Logger
	outputDir  string
	outputName string
	timeout    time.Duration

	getenv func(string) string
	goos   string
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

func WithLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithOutput overrides the project-relative output directory and file stem.
func WithOutput(dir, name string) GeneratorOption {
	return func(g *Generator) {
		if dir != "" {
			g.outputDir = dir
		}
		if name != "" {
			g.outputName = name
		}
	}
}

// WithTimeout bounds the synchronous Generate.
func WithTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// withEnv swaps the environment lookup and OS name; used by tests.
func withEnv(getenv func(string) string, goos string) GeneratorOption {
	return func(g *Generator) {
		g.getenv = getenv
		g.goos = goos
	}
}

func NewGenerator(runner *procexec.Runner, opts ...GeneratorOption) *Generator {
	if runner == nil {
		runner = procexec.NewRunner()
	}
	g := &Generator{
		runner:     runner,
		logger:     slog.Default(),
		outputDir:  DefaultOutputDir,
		outputName: DefaultOutputName,
		timeout:    DefaultTimeout,
		getenv:     os.Getenv,
		goos:       runtime.GOOS,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) windows() bool { return g.goos == "windows" }

// ResolveExecutable picks the Maven launcher for projectDir: the project's
// wrapper, then MAVEN_HOME or M2_HOME, then the plain command name.
func (g *Generator) ResolveExecutable(projectDir string) string {
	wrapper := "mvnw"
	launcher := "mvn"
	if g.windows() {
		wrapper = "mvnw.cmd"
		launcher = "mvn.cmd"
	}

	if p := filepath.Join(projectDir, wrapper); isFile(p) {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
		return p
	}

	for _, env := range []string{"MAVEN_HOME", "M2_HOME"} {
		home := g.getenv(env)
		if home == "" {
			continue
		}
		candidate := filepath.Join(home, "bin", launcher)
		if isExecutable(candidate, g.windows()) {
			return candidate
		}
	}
	return launcher
}

// OutputDir returns the absolute directory manifests are written to.
func (g *Generator) OutputDir(projectDir string) string {
	return filepath.Join(projectDir, g.outputDir)
}

// CanonicalPath is where the manifest of projectDir lives after generation.
func (g *Generator) CanonicalPath(projectDir string) string {
	return filepath.Join(g.OutputDir(projectDir), g.outputName+".xml")
}

// PreviousPath is where Refresh keeps the manifest it replaced.
func (g *Generator) PreviousPath(projectDir string) string {
	return filepath.Join(g.OutputDir(projectDir), g.outputName+PreviousSuffix+".xml")
}

// Request builds the process request for generating the manifest of pomPath.
func (g *Generator) Request(projectDir, pomPath string) procexec.Request {
	pomAbs, err := filepath.Abs(pomPath)
	if err != nil {
		pomAbs = pomPath
	}
	return procexec.Request{
		Command: g.ResolveExecutable(projectDir),
		Args: []string{
			PluginGoal,
			"-f", pomAbs,
			"-DoutputFormat=xml",
			"-DoutputDirectory=" + g.OutputDir(projectDir),
			"-DoutputName=" + g.outputName,
			"-DincludeBomSerialNumber=false",
			"-B",
		},
		Dir:     projectDir,
		Timeout: g.timeout,
		Key:     dedup.CanonicalKey(pomPath),
		Label:   "maven",
	}
}

// GenerateAsync starts Maven and returns a future of the canonical manifest
// path. Cancelling the future kills Maven.
func (g *Generator) GenerateAsync(ctx context.Context, projectDir, pomPath string) (*future.Future[string], error) {
	req := g.Request(projectDir, pomPath)
	g.logger.Info("Generating dependency manifest",
		logfields.Command(req.Command),
		logfields.Path(req.Key),
		logfields.Project(projectDir))

	proc, err := g.runner.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	loc := artifact.Locator{
		Marker:    BOMMarker,
		Canonical: g.CanonicalPath(projectDir),
		Logger:    g.logger,
	}
	out := future.Then(proc.Future(), func(res procexec.Result) (string, error) {
		path, lerr := loc.Locate(res)
		if lerr != nil {
			g.logger.Error("Manifest generation failed", logfields.Path(req.Key), logfields.Error(lerr))
			g.logger.Debug("Maven output", slog.String("output", res.Output))
			return "", lerr
		}
		g.logger.Info("Manifest generated", logfields.Path(path))
		return path, nil
	})
	return out, nil
}

// Generate is the blocking form of GenerateAsync, bounded by the configured
// timeout. On expiry Maven is killed and a timeout error returned.
func (g *Generator) Generate(ctx context.Context, projectDir, pomPath string) (string, error) {
	f, err := g.GenerateAsync(ctx, projectDir, pomPath)
	if err != nil {
		return "", err
	}
	return f.WaitTimeout(g.timeout)
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func isExecutable(p string, windows bool) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	return windows || info.Mode().Perm()&0o111 != 0
}
