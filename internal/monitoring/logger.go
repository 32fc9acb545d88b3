// Package monitoring holds the diagnostic logger and the Prometheus metrics
// shared by the imager, the bridges and the command line.
package monitoring

import "log"

// Logf receives every diagnostic line. It starts as log.Printf; SetLogger
// swaps it, usually to mute tests.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger installs f as Logf. nil discards all output.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
}

// Prefixed returns a logger that prepends prefix to every message and then
// forwards to the current Logf. The lookup happens per call so a later
// SetLogger still takes effect.
func Prefixed(prefix string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf(prefix+" "+format, v...)
	}
}
