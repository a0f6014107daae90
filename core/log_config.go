package core

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogEnv names the environment variable that selects the global log level.
const LogEnv = "PINMATCH_LOG"

// init sets the global logging level from PINMATCH_LOG.
func init() {
	ConfigureLogging(os.Getenv(LogEnv))
}

// ConfigureLogging sets the global zerolog level from a textual mode.
// "off" or "0" disables logging, "debug" or "full" enables debug output,
// "warn" keeps warnings and errors, and anything else selects info.
func ConfigureLogging(mode string) {
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "off", "0":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	case "debug", "full":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
