package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/cordum/policyhub/core/infra/logging"
)

// Stamped at link time with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log announces the binary with its build stamp.
func Log(service string) {
	logging.Info(service, "starting",
		"version", Version,
		"commit", Commit,
		"date", Date,
		"go", runtime.Version(),
	)
}
