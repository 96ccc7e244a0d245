// Package appversion exposes build metadata stamped in via linker flags:
//
//	go build -ldflags "\
//	  -X github.com/dantte-lp/gobfd/internal/version.Version=v1.0.0 \
//	  -X github.com/dantte-lp/gobfd/internal/version.GitCommit=abc1234 \
//	  -X github.com/dantte-lp/gobfd/internal/version.BuildDate=2026-02-22T12:00:00Z"
//
// Unset at build time, every field falls back to a placeholder so `go run`
// and ad hoc builds still produce readable output.
package appversion

import "fmt"

var (
	// Version is the release tag, or "dev" outside a tagged build.
	Version = "dev"

	// GitCommit is the short commit hash the binary was built from.
	GitCommit = "unknown"

	// BuildDate is the RFC 3339 build timestamp.
	BuildDate = "unknown"
)

// Full renders binary, Version, GitCommit and BuildDate as a multi-line
// string suitable for a `--version` flag.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s", binary, Version, GitCommit, BuildDate)
}

// Short renders just "binary version", for one-line banners.
func Short(binary string) string {
	return fmt.Sprintf("%s %s", binary, Version)
}
