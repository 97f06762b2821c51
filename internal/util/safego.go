// safego.go - panic-recovering goroutine launcher.
package util

import (
	"runtime/debug"

	"github.com/switchyard-mcp/switchyard/internal/logging"
)

// SafeGo launches fn in a goroutine with deferred panic recovery.
// On panic: logs the stack trace. Does not exit; background panics should
// be survivable so the broker stays up and per-call failures stay per-call.
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorw("panic in background goroutine",
					"panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
