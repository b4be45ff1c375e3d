// Package buildinfo carries the version stamped into the budgetgrid binary.
package buildinfo

import "fmt"

var (
	// Version will be set via ldflags during build.
	Version = "dev"
	// Commit will be set via ldflags during build.
	Commit = "none"
	// Date will be set via ldflags during build.
	Date = "unknown"
)

// Summary formats the build stamp for --version.
func Summary() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}
