// Package version carries build metadata set through -ldflags, for example
//
//	-X github.com/banshee-data/tofseq/internal/version.Version=v0.3.0
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for -version output and the admin page.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
