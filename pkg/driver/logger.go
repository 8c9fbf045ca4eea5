package driver

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// newLogger builds the driver's structured logger from a level name
// ("trace"/"debug"/"info"/"warn"/"error"); unrecognized names fall back to
// warn. Every driver component takes this logger via dependency injection
// (conn, pool, routing) rather than reaching for a package-level default.
func newLogger(name, level string) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Warn
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      lvl,
		Output:     os.Stderr,
		JSONFormat: false,
	})
}
