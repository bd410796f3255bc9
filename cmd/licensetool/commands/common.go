package commands

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/licensetool/internal/config"
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
	"git.home.luguber.info/inful/licensetool/internal/orchestrator"
	"git.home.luguber.info/inful/licensetool/internal/project"
	"git.home.luguber.info/inful/licensetool/internal/report"
	"git.home.luguber.info/inful/licensetool/internal/sidecar"
	"github.com/alecthomas/kong"
)

// Global is shared with every subcommand.
type Global struct {
	Logger *slog.Logger
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"licensetool.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Init    InitCmd    `cmd:"" help:"Write a default configuration file"`
	Sbom    SbomCmd    `cmd:"" help:"Generate the CycloneDX manifest for the project"`
	Diff    DiffCmd    `cmd:"" help:"Regenerate the manifest and report dependency changes"`
	Sidecar SidecarCmd `cmd:"" help:"Install or run the helper server"`
	Daemon  DaemonCmd  `cmd:"" help:"Watch the project and keep its manifest current"`
	History HistoryCmd `cmd:"" help:"Show recorded manifest generations"`
	Status  StatusCmd  `cmd:"" help:"Show the status of a running daemon"`
}

// AfterApply runs after flag parsing and installs a logger until the
// configuration is loaded.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply(g *Global) error {
	g.Logger = newLogger(os.Stderr, config.LogLevelInfo, config.LogFormatText, c.Verbose)
	slog.SetDefault(g.Logger)
	return nil
}

func newLogger(w io.Writer, level config.LogLevel, format config.LogFormat, verbose bool) *slog.Logger {
	lvl := level.SlogLevel()
	if verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// session is the loaded configuration plus the resolved project root.
type session struct {
	cfg    *config.Config
	root   string
	logger *slog.Logger
}

// load reads the configuration (defaults when the file is absent), replaces
// the bootstrap logger and resolves the project root.
func (c *CLI) load(g *Global) (*session, error) {
	cfg, err := config.LoadOrDefault(c.Config)
	if err != nil {
		return nil, err
	}
	logger := newLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format, c.Verbose)
	slog.SetDefault(logger)
	g.Logger = logger

	root, err := resolveRoot(cfg.Project.Root)
	if err != nil {
		return nil, err
	}
	logger.Debug("Resolved project root", logfields.Project(root), logfields.Path(c.Config))
	return &session{cfg: cfg, root: root, logger: logger}, nil
}

// resolveRoot returns the configured root made absolute, or the enclosing
// git worktree of the working directory.
func resolveRoot(configured string) (string, error) {
	if configured != "" {
		abs, err := filepath.Abs(configured)
		if err != nil {
			return "", ferrors.WrapError(err, ferrors.CategoryConfig, "invalid project root").
				WithContext(ferrors.ContextPath, configured).
				Build()
		}
		return abs, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to determine working directory").Build()
	}
	root, err := project.DetectRoot(wd)
	if err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to detect project root").
			WithContext(ferrors.ContextPath, wd).
			Build()
	}
	return root, nil
}

// licenseMatrix loads the configured compatibility matrix, or returns nil for
// the built-in rules.
func (s *session) licenseMatrix() (*report.Matrix, error) {
	path := s.cfg.Manifest.LicenseMatrix
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	return report.LoadMatrix(path)
}

// pom returns arg made absolute, or the root pom.xml when arg is empty.
func (s *session) pom(arg string) (string, error) {
	if arg != "" {
		if filepath.IsAbs(arg) {
			return arg, nil
		}
		return filepath.Abs(arg)
	}
	p, ok := project.RootPOM(s.root)
	if !ok {
		return "", ferrors.PreconditionError("no pom.xml in project root").
			WithContext(ferrors.ContextPath, s.root).
			Build()
	}
	return p, nil
}

func (s *session) sidecarConfig() sidecar.Config {
	sc := s.cfg.Sidecar
	src := sc.SourceDir
	if src != "" && !filepath.IsAbs(src) {
		src = filepath.Join(s.root, src)
	}
	return sidecar.Config{
		SourceDir:      src,
		EntryScript:    sc.EntryScript,
		Requirements:   sc.Requirements,
		Interpreter:    sc.Interpreter,
		InstallTimeout: s.cfg.SidecarInstallTimeout(),
	}
}

func (s *session) orchestrator(opts ...orchestrator.Option) *orchestrator.Orchestrator {
	opts = append([]orchestrator.Option{orchestrator.WithLogger(s.logger)}, opts...)
	return orchestrator.New(orchestrator.Config{
		Root:            project.StaticRoot(s.root),
		Model:           project.StaticModel(s.cfg.Project.Model),
		OutputDir:       s.cfg.Manifest.OutputDir,
		OutputName:      s.cfg.Manifest.OutputName,
		ManifestTimeout: s.cfg.ManifestTimeout(),
		Sidecar:         s.sidecarConfig(),
		HistorySize:     s.cfg.Queue.HistorySize,
	}, opts...)
}
