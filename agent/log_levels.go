package agent

import (
	"io"

	"github.com/hashicorp/logutils"
)

// validLogLevels is the fixed level set the agent's own log lines use;
// unlike a free-form logging library, logutils needs this list up front so
// it can validate a requested minimum level.
var validLogLevels = []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERR"}

// newLevelFilter returns a LevelFilter writing to w, gating at minLevel.
// Used both for the agent's own stderr output and per-connection for the
// RPC "monitor" command, where each client picks its own minimum level.
func newLevelFilter(w io.Writer, minLevel string) *logutils.LevelFilter {
	return &logutils.LevelFilter{
		Levels:   validLogLevels,
		MinLevel: logutils.LogLevel(minLevel),
		Writer:   w,
	}
}

// validateLevelFilter reports whether f's MinLevel is one newLevelFilter's
// caller actually recognizes, since logutils silently passes everything
// through for an unrecognized level rather than erroring.
func validateLevelFilter(f *logutils.LevelFilter) bool {
	for _, level := range f.Levels {
		if level == f.MinLevel {
			return true
		}
	}
	return false
}

// NewLevelFilter and ValidateLevelFilter are the exported forms of the
// above, for rpc.Server to build and check the per-connection filter a
// "monitor" command's LogLevel requests.
func NewLevelFilter(minLevel string) *logutils.LevelFilter {
	return newLevelFilter(nil, minLevel)
}

func ValidateLevelFilter(f *logutils.LevelFilter) bool {
	return validateLevelFilter(f)
}
