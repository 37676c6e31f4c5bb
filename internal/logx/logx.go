// Package logx gates verbose log output on the configured log level.
// Everything else logs through the standard log package directly.
package logx

import (
	"log"
	"strings"
	"sync/atomic"
)

var debug atomic.Bool

// SetLevel applies a log_level value. Only "debug" enables Debugf output;
// info, warn, error and "" all leave it off.
func SetLevel(level string) {
	debug.Store(strings.EqualFold(strings.TrimSpace(level), "debug"))
}

// DebugEnabled reports whether debug output is on.
func DebugEnabled() bool {
	return debug.Load()
}

// Debugf logs through the standard logger when debug output is on.
func Debugf(format string, args ...any) {
	if debug.Load() {
		log.Printf(format, args...)
	}
}
