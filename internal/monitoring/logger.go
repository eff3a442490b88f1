// Package monitoring holds the swappable logger used by the HTTP
// monitoring surface.
package monitoring

import "log"

// Logf is the package-level logger for monitor lifecycle messages. It
// defaults to log.Printf; tests may replace or mute it via SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
