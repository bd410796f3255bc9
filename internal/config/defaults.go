package config

import "time"

const (
	DefaultOutputDir             = ".license-tool"
	DefaultOutputName            = "bom"
	DefaultManifestTimeout       = 15 * time.Minute
	DefaultWatchQuietWindow      = 2 * time.Second
	DefaultSidecarInstallTimeout = 60 * time.Second
	DefaultEntryScript           = "python_server.py"
	DefaultRequirements          = "requirements.txt"
	DefaultModel                 = "gpt-4o"
	DefaultHistorySize           = 50
	DefaultHTTPAddr              = "127.0.0.1:8089"
	DefaultEventStorePath        = ".license-tool/events.db"
	DefaultSubjectPrefix         = "licensetool.events"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Version: CurrentVersion,
		Manifest: ManifestConfig{
			GenerateOnStartup: true,
			Watch:             true,
			Report:            true,
		},
		Events: EventsConfig{StorePath: DefaultEventStorePath},
	}
	applyDefaults(cfg)
	normalize(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Project.Model == "" {
		cfg.Project.Model = DefaultModel
	}

	m := &cfg.Manifest
	if m.OutputDir == "" {
		m.OutputDir = DefaultOutputDir
	}
	if m.OutputName == "" {
		m.OutputName = DefaultOutputName
	}
	if m.Timeout == "" {
		m.Timeout = DefaultManifestTimeout.String()
	}
	if m.WatchQuietTime == "" {
		m.WatchQuietTime = DefaultWatchQuietWindow.String()
	}

	s := &cfg.Sidecar
	if s.EntryScript == "" {
		s.EntryScript = DefaultEntryScript
	}
	if s.Requirements == "" {
		s.Requirements = DefaultRequirements
	}
	if s.InstallTimeout == "" {
		s.InstallTimeout = DefaultSidecarInstallTimeout.String()
	}

	if cfg.Queue.HistorySize <= 0 {
		cfg.Queue.HistorySize = DefaultHistorySize
	}
	if cfg.Daemon.HTTPAddr == "" {
		cfg.Daemon.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = DefaultSubjectPrefix
	}
}
