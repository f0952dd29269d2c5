// Package netpipe implements the byte-counted pair-pipe used by every
// forward engine (spec §4.5, §4.7) to splice a user-facing connection
// and its twin data connection together, adapting the teacher's
// pkg/netio.StartTunnel to also meter bytes as they cross.
package netpipe

import (
	"io"
	"net"
	"sync"

	"github.com/qiudaomao/node-frp/internal/ids"
)

// Counter receives byte counts as a pipe moves data. AddIn is the
// direction from "user" to "target" (spec §3: user to agent-side local
// service); AddOut is "target" to "user", the reverse — callers decide
// which physical connection plays which role.
type Counter interface {
	AddIn(forwardID ids.ForwardID, n int64)
	AddOut(forwardID ids.ForwardID, n int64)
}

// countingWriter wraps a Writer, reporting every successful write to fn.
type countingWriter struct {
	io.Writer
	fn func(n int64)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	if n > 0 {
		w.fn(int64(n))
	}
	return n, err
}

// Splice copies bytes bidirectionally between user and target until
// either side's read returns an error, closing both when done. It
// returns once both copy directions have finished.
//
// If preData is non-empty, those bytes are written to target before
// any byte copied from user. Every caller in this module passes nil:
// Pending entries hold no buffer of their own, and bytes a SOCKS5
// client pipelined behind its request reach target through the
// bufferedConn wrappers in forward and agent.
func Splice(user, target net.Conn, forwardID ids.ForwardID, meter Counter, preData []byte) {
	var wait sync.WaitGroup
	wait.Add(2)

	go func() {
		defer wait.Done()
		defer target.Close()
		defer user.Close()
		w := &countingWriter{Writer: target, fn: func(n int64) { meter.AddIn(forwardID, n) }}
		if len(preData) > 0 {
			if _, err := w.Write(preData); err != nil {
				return
			}
		}
		_, _ = io.Copy(w, user)
	}()

	go func() {
		defer wait.Done()
		defer user.Close()
		defer target.Close()
		w := &countingWriter{Writer: user, fn: func(n int64) { meter.AddOut(forwardID, n) }}
		_, _ = io.Copy(w, target)
	}()

	wait.Wait()
}
