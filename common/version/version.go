// Package version holds build information injected with -ldflags
// "-X github.com/bdobrica/Kioku/common/version.Version=...".
package version

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns "kioku <version> (<commit>) built at <time>".
func Info() string {
	return "kioku " + Version + " (" + GitCommit + ") built at " + BuildTime
}
