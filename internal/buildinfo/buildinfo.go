// Package buildinfo carries the version stamped in at link time:
//
//	go build -ldflags "-X ember/internal/buildinfo.Version=v0.3.0 -X ember/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns a compact build identifier for window titles and banners.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	return "dev"
}

// String is the full identifier printed by -version.
func String() string {
	return fmt.Sprintf("ember %s (commit %s, built %s)", Version, Commit, Date)
}
