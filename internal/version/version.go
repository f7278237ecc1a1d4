// Package version carries build identification injected at link time.
package version

import (
	"fmt"
	"runtime"
)

// Version is set via -ldflags "-X github.com/avery/tally/internal/version.Version=v1.2.3".
var Version = "devel"

// Commit is the short git hash of the build, if known.
var Commit = ""

// String returns a human-readable version line.
func String() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s, %s)", Version, Commit, runtime.Version())
	}
	return fmt.Sprintf("%s (%s)", Version, runtime.Version())
}

// IsDevelopmentVersion returns true for non-release builds.
func IsDevelopmentVersion(v string) bool {
	return v == "" || v == "unknown" || v == "dev" || v == "devel"
}
