// Package version carries build metadata injected through -ldflags, e.g.
//
//	go build -ldflags "-X savings-alerts/internal/version.Version=v1.2.0" ./cmd/ratealert
package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("ratealert %s (commit %s, built %s)", Version, Commit, BuildDate)
}
