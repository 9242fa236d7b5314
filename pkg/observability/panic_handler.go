package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers a panic and logs it with the stack trace. Call it
// in a defer at the top of long-lived goroutines so a panic in one worker
// does not take down the process:
//
//	defer observability.RecoverPanic(logger, "flag watcher")
//
// The panic is swallowed after logging.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", where).
			Error("PANIC recovered")
	}
}

// MustRecover converts a recovered panic value to an error. Pass it the
// result of recover() in a deferred closure when a panic should surface as
// a normal error return rather than crash:
//
//	defer func() {
//	    if rerr := observability.MustRecover(recover()); rerr != nil {
//	        err = rerr
//	    }
//	}()
//
// Returns nil when r is nil.
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
