package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers a panic and logs it with the stack trace. Call it
// in a defer at the top of long-lived goroutines:
//
//	go func() {
//	    defer observability.RecoverPanic(logger, "playbook watcher")
//	    watcher.Run(ctx)
//	}()
//
// The panic is not re-raised; the goroutine exits normally.
func RecoverPanic(logger *Logger, scope string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("scope", scope).
			Error("panic recovered")
	}
}
