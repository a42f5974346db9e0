// Package monitoring is the logging seam for the detection pipeline:
// the cache, prediction, detection, scheduler, hub and bridge packages
// all report through Logf rather than binding to a concrete logger.
package monitoring

import "log"

// Logf reports a pipeline diagnostic. It defaults to log.Printf; swap
// it with SetLogger to route cycle and fan-out diagnostics elsewhere,
// or to mute them in tests.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the pipeline logger. A nil f installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
