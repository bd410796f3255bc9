// Package config loads the licensetool YAML configuration.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
)

const (
	CurrentVersion    = "1"
	DefaultConfigFile = "licensetool.yaml"
)

// Config is the root configuration document.
type Config struct {
	Version  string         `yaml:"version"`
	Project  ProjectConfig  `yaml:"project"`
	Manifest ManifestConfig `yaml:"manifest"`
	Sidecar  SidecarConfig  `yaml:"sidecar"`
	Queue    QueueConfig    `yaml:"queue"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ProjectConfig locates the Maven project.
type ProjectConfig struct {
	// Root is the project directory. Empty means the enclosing git worktree
	// of the working directory.
	Root string `yaml:"root,omitempty"`
	// Model is passed to the sidecar as the selected model.
	Model string `yaml:"model"`
	// License is the SPDX id the project is distributed under. When set,
	// reports list added dependencies whose licenses may conflict with it.
	License string `yaml:"license,omitempty"`
}

// ManifestConfig controls CycloneDX manifest generation.
type ManifestConfig struct {
	OutputDir         string `yaml:"output_dir"`
	OutputName        string `yaml:"output_name"`
	Timeout           string `yaml:"timeout"`
	GenerateOnStartup bool   `yaml:"generate_on_startup"`
	// RefreshSchedule is a Go duration ("6h") or a cron expression. Empty
	// disables scheduled refreshes.
	RefreshSchedule string `yaml:"refresh_schedule,omitempty"`
	Watch           bool   `yaml:"watch"`
	WatchQuietTime  string `yaml:"watch_quiet_window"`
	Report          bool   `yaml:"report"`
	// LicenseMatrix is an optional CSV compatibility matrix, relative to the
	// project root, overriding the built-in license rules.
	LicenseMatrix string `yaml:"license_matrix,omitempty"`
}

// SidecarConfig describes the helper server.
type SidecarConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SourceDir      string `yaml:"source_dir,omitempty"`
	EntryScript    string `yaml:"entry_script"`
	Requirements   string `yaml:"requirements"`
	Interpreter    string `yaml:"interpreter,omitempty"`
	InstallTimeout string `yaml:"install_timeout"`
}

type QueueConfig struct {
	HistorySize int `yaml:"history_size"`
}

type DaemonConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// EventsConfig controls event persistence and forwarding.
type EventsConfig struct {
	// StorePath is the SQLite event database, relative to the project root
	// unless absolute. Empty disables persistence.
	StorePath     string `yaml:"store_path"`
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Load reads path, expanding ${VAR} references after loading .env files from
// the working directory. The result has defaults applied and is validated.
func Load(path string) (*Config, error) {
	loadEnvFiles(".")

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ferrors.ConfigError("configuration file not found").
				WithContext(ferrors.ContextPath, path).
				Build()
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to read configuration").
			WithContext(ferrors.ContextPath, path).
			Build()
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but returns the defaults when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		loadEnvFiles(".")
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

// Parse decodes a configuration document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "invalid configuration").Build()
	}
	if cfg.Version == "" {
		cfg.Version = CurrentVersion
	}
	if cfg.Version != CurrentVersion {
		return nil, ferrors.ConfigError("unsupported configuration version").
			WithContext("version", cfg.Version).
			Build()
	}

	applyDefaults(cfg)
	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init writes the default configuration to path.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return ferrors.ConfigError("configuration file already exists (use --force to overwrite)").
			WithContext(ferrors.ContextPath, path).
			Build()
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to marshal configuration").Build()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to create configuration directory").
				WithContext(ferrors.ContextPath, dir).
				Build()
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to write configuration").
			WithContext(ferrors.ContextPath, path).
			Build()
	}
	return nil
}

// ManifestTimeout is the bound on one Maven run.
func (c *Config) ManifestTimeout() time.Duration {
	return mustDuration(c.Manifest.Timeout, DefaultManifestTimeout)
}

// WatchQuietWindow is the pom.xml debounce window.
func (c *Config) WatchQuietWindow() time.Duration {
	return mustDuration(c.Manifest.WatchQuietTime, DefaultWatchQuietWindow)
}

// SidecarInstallTimeout bounds the sidecar dependency install.
func (c *Config) SidecarInstallTimeout() time.Duration {
	return mustDuration(c.Sidecar.InstallTimeout, DefaultSidecarInstallTimeout)
}

// EventStorePath resolves the event database against root.
func (c *Config) EventStorePath(root string) string {
	p := c.Events.StorePath
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// mustDuration parses a validated duration, falling back to def.
func mustDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
