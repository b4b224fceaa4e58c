package recovery

import (
	"runtime/debug"

	"github.com/vanpelt/rit/internal/logger"
)

// SafeGo runs a function in a goroutine with automatic panic recovery.
// A panic in one session's loop must not take down routing for the others.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// SafeGoWithCleanup runs a function in a goroutine with panic recovery and cleanup.
// cleanup runs whether fn returns normally or panics.
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if cleanup != nil {
				cleanup()
			}
		}()
		defer Recover(name)
		fn()
	}()
}

// Recover logs and swallows a panic. Use as `defer recovery.Recover("name")`.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Logger.Error().
			Str("goroutine", name).
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("🚨 panic recovered")
	}
}
