package version

// Version is the licensetool release, set at build time:
// go build -ldflags "-X git.home.luguber.info/inful/licensetool/internal/version.Version=v0.3.0".
var Version = "unknown"

// BuildInfo contains additional build metadata.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String renders the version line printed by --version.
func String() string {
	if GitCommit == "unknown" {
		return "licensetool " + Version
	}
	return "licensetool " + Version + " (" + GitCommit + ", built " + BuildTime + ")"
}
