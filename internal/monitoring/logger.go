// Package monitoring carries the bridge's diagnostic logging hook.
package monitoring

import "log"

// Logf is the package-level diagnostic logger for the bridge. It defaults
// to log.Printf but may be replaced by SetLogger; tests or embedding
// applications can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Quiet mutes the package logger and returns a function restoring the
// previous one. Intended for tests exercising noisy failure paths.
func Quiet() (restore func()) {
	prev := Logf
	Logf = func(string, ...interface{}) {}
	return func() { Logf = prev }
}
