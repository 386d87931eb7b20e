// Package version carries build information injected with ldflags:
//
//	go build -ldflags "-X devopsagent/pkg/version.Version=v0.3.0 -X devopsagent/pkg/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

//nolint:gochecknoglobals // ldflags targets
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build info for -version output and the health endpoint.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
