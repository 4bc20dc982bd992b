package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process-wide go-kit logger. Components should take a logger
// through their constructor; this global covers bootstrap code that runs
// before wiring completes.
var Logger = kitlog.NewNopLogger()

// InitLogger builds the shared logger from the server's log format and
// level, installs it as Logger, and returns it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(logFormat, writer)

	// UTC timestamps; the caller annotation sits 5 frames up the chain.
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// The level filter wraps last so discarded records skip the decoration
	// above.
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}
