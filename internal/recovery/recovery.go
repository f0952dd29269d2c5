// Package recovery provides the panic-recovery middleware carried from
// the teacher's pkg/server.RecoverMiddleware (deleted along with the
// rest of pkg/server once its binary-framed router was superseded) —
// adapted from a per-request HandlerFunc wrapper into a plain guard
// around the per-connection goroutines that replaced that router, so
// one malformed frame can never take down the whole process.
package recovery

import (
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// Guard runs f and recovers any panic it raises, logging it with a
// stack trace under label instead of letting it propagate and crash
// the process. Intended to wrap the body of every per-connection
// goroutine on the control-plane hot path.
func Guard(label string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("where", label).Errorf("PANIC | %+v | %s", r, debug.Stack())
		}
	}()
	f()
}
