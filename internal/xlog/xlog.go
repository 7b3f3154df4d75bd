// Package xlog is the allocator's internal logger. It writes nothing by
// default; embedding runtimes point it at their own sink with SetOutput.
package xlog

import (
	"io"
	"log"
	"sync/atomic"
)

var (
	logger  = log.New(io.Discard, "hugealloc: ", log.LstdFlags|log.Lmicroseconds)
	debugOn atomic.Bool
)

// SetOutput redirects allocator logging to w.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetDebug enables debug-level lines (growth/shrink deltas, provider
// fallbacks). Error lines are always emitted.
func SetDebug(on bool) {
	debugOn.Store(on)
}

// Debugf logs a debug-level line when debug logging is enabled.
func Debugf(format string, args ...interface{}) {
	if debugOn.Load() {
		logger.Printf("DEBUG "+format, args...)
	}
}

// Errorf logs an error-level line.
func Errorf(format string, args ...interface{}) {
	logger.Printf("ERROR "+format, args...)
}
