// Package buildinfo holds version information injected with -ldflags:
//
//	go build -ldflags "-X github.com/terrpan/idlegpu/internal/buildinfo.Version=v0.3.0 \
//	  -X github.com/terrpan/idlegpu/internal/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/terrpan/idlegpu/internal/buildinfo.BuildTime=$(date -u +%FT%TZ)" ./cmd/idlegpu
package buildinfo

import "fmt"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("idlegpu %s (commit %s, built %s)", Version, Commit, BuildTime)
}
