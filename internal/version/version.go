// Package version carries build metadata stamped in with -ldflags -X.
package version

import "runtime"

// Build metadata. Release builds override these at link time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the metadata for --version and the startup log.
func String() string {
	return "vhost-device-sound " + Version + " (commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}
