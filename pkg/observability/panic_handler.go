package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with the stack trace.
// It must be called directly in a defer statement:
//
//	func (j *PurgeJob) Run() {
//	    defer observability.RecoverPanic(j.logger, "purge expired overrides")
//	    ...
//	}
//
// The panic is not re-raised. Background jobs use it so one failed run does
// not take the process down with it.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", where).
			Error("PANIC recovered")
	}
}
