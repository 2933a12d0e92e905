package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs fn in a goroutine with panic recovery.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				slog.Error("Panic recovered", "panic", r, "stack", string(stack))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

// BestEffort runs fn in the background. Its error and any panic are logged
// and dropped; nothing waits on it for correctness. The returned channel is
// closed once fn has returned, for callers that want liveness only.
func BestEffort(name string, fn func() error) <-chan struct{} {
	done := make(chan struct{})
	SafeGo(func() {
		defer close(done)
		if err := fn(); err != nil {
			slog.Debug("Background task ended with error", "task", name, "error", err)
		}
	}, nil)
	return done
}
