// Package version holds the build identity stamped in at link time via
// -ldflags; the zero values below are what a plain `go build` reports.
package version

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA identifies the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is when the binary was linked.
	BuildTime = "unknown"
)
