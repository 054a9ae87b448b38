// Package version carries build metadata injected at link time.
package version

// Set via -ldflags "-X github.com/recapd/recapd/pkg/version.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String returns a human-readable version line.
func String() string {
	return Version + " (" + Commit + ", " + Date + ")"
}
