// Package buildinfo holds build-time variables injected via ldflags.
package buildinfo

import "fmt"

// Populated by -ldflags at build time; defaults used for local dev.
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// String renders the build identity the way `histsync version` prints it.
func String() string {
	return fmt.Sprintf("histsync %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
