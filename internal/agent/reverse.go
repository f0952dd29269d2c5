package agent

import (
	"bufio"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qiudaomao/node-frp/internal/ids"
	"github.com/qiudaomao/node-frp/internal/netpipe"
	"github.com/qiudaomao/node-frp/internal/socks5"
	"github.com/qiudaomao/node-frp/internal/wire"
)

// reverseWaitTimeout bounds how long an accepted reverse connection
// waits for the server's reverse_ready/reverse_failed before giving up
// and closing the local socket — the agent-side mirror of the Pending
// deadline in spec §4.3/§9.
const reverseWaitTimeout = 15 * time.Second

// reverseListener owns one accept loop for a reverse or reverse-dynamic
// forward, bound on the agent's own network (spec §4.5.2, §4.5.4).
type reverseListener struct {
	forward  wire.PortForward
	listener net.Listener
	stop     chan struct{}
}

// reconcileReverseListeners brings the agent's bound reverse listeners
// in line with forwards, opening newly desired ones and closing ones no
// longer present or whose local address moved — mirroring
// listenermgr.Manager.Reconcile's close-before-open sequencing
// server-side, applied here to the agent's own sockets.
func (c *Client) reconcileReverseListeners(forwards []wire.PortForward) {
	c.reverseMu.Lock()
	defer c.reverseMu.Unlock()

	want := make(map[string]wire.PortForward)
	for _, f := range forwards {
		if f.Direction == "reverse" || f.Direction == "reverse-dynamic" {
			want[f.Name] = f
		}
	}

	for name, rl := range c.reverse {
		f, ok := want[name]
		if !ok || addr(f) != addr(rl.forward) {
			c.stopReverseListener(rl)
			delete(c.reverse, name)
		}
	}
	for name, f := range want {
		if _, ok := c.reverse[name]; ok {
			continue
		}
		ln, err := net.Listen("tcp", addr(f))
		if err != nil {
			log.WithFields(log.Fields{"proxy": f.Name, "addr": addr(f), "error": err}).Warn("agent: failed to bind reverse listener")
			continue
		}
		rl := &reverseListener{forward: f, listener: ln, stop: make(chan struct{})}
		c.reverse[name] = rl
		go c.acceptReverseLoop(rl)
	}
}

func (c *Client) closeAllReverseListeners() {
	c.reverseMu.Lock()
	defer c.reverseMu.Unlock()
	for name, rl := range c.reverse {
		c.stopReverseListener(rl)
		delete(c.reverse, name)
	}
}

func (c *Client) stopReverseListener(rl *reverseListener) {
	close(rl.stop)
	_ = rl.listener.Close()
}

func addr(f wire.PortForward) string {
	return net.JoinHostPort(f.LocalIP, portString(f.LocalPort))
}

func (c *Client) acceptReverseLoop(rl *reverseListener) {
	for {
		conn, err := rl.listener.Accept()
		if err != nil {
			select {
			case <-rl.stop:
				return
			default:
			}
			log.WithFields(log.Fields{"proxy": rl.forward.Name, "error": err}).Warn("agent: reverse accept loop exiting")
			return
		}
		if rl.forward.Direction == "reverse-dynamic" {
			go c.handleReverseDynamicAccept(rl.forward, conn)
		} else {
			go c.handleReverseAccept(rl.forward, conn)
		}
	}
}

// handleReverseAccept implements the agent side of reverse TCP
// (spec §4.5.2): request the server dial remote_ip:remote_port, then
// splice the local caller with a fresh data connection once ready.
func (c *Client) handleReverseAccept(f wire.PortForward, conn net.Conn) {
	id := ids.NewConnectionID()
	ch := c.awaitReverse(id)
	if err := c.send(wire.NewReverseConnection(f.Name, id)); err != nil {
		log.WithError(err).Warn("agent: failed to send reverse_connection")
		_ = conn.Close()
		return
	}
	c.finishReverse(conn, id, ch, nil)
}

// handleReverseDynamicAccept implements the agent side of reverse
// SOCKS5 (spec §4.5.4): negotiate SOCKS5 locally, ask the server to
// dial the parsed target, then reply and splice.
func (c *Client) handleReverseDynamicAccept(f wire.PortForward, rawConn net.Conn) {
	conn := &bufferedConn{Conn: rawConn, r: bufio.NewReader(rawConn)}
	if err := socks5.Negotiate(conn); err != nil {
		log.WithError(err).Debug("agent: reverse socks5 negotiation failed")
		_ = conn.Close()
		return
	}
	target, err := socks5.ReadConnectRequest(conn)
	if err != nil {
		log.WithError(err).Debug("agent: reverse socks5 CONNECT parse failed")
		_ = conn.Close()
		return
	}

	id := ids.NewConnectionID()
	ch := c.awaitReverse(id)
	cmd := &wire.ReverseDynamic{Kind: wire.TypeReverseDynamic, ProxyName: f.Name, ConnectionID: id, TargetHost: target.Host, TargetPort: int(target.Port)}
	if err := c.send(cmd); err != nil {
		log.WithError(err).Warn("agent: failed to send reverse_dynamic")
		_ = conn.Close()
		return
	}
	c.finishReverse(conn, id, ch, writeSocks5Outcome)
}

// writeSocks5Outcome writes the SOCKS5 success/failure reply to conn
// before the caller splices or closes it, per spec §4.5.4 "agent sends
// the SOCKS5 success reply locally".
func writeSocks5Outcome(conn net.Conn, ok bool) {
	if ok {
		_ = socks5.WriteSuccess(conn)
	} else {
		_ = socks5.WriteFailure(conn)
	}
}

// finishReverse waits for the server's *_ready/*_failed outcome (or a
// deadline), optionally reports it to conn via onOutcome (SOCKS5 reply),
// then either splices conn with a fresh data connection or closes it.
func (c *Client) finishReverse(conn net.Conn, id ids.ConnectionID, ch chan reverseOutcome, onOutcome func(net.Conn, bool)) {
	var outcome reverseOutcome
	select {
	case outcome = <-ch:
	case <-time.After(reverseWaitTimeout):
		log.WithField("connection_id", id).Warn("agent: timed out waiting for server reverse outcome")
		if onOutcome != nil {
			onOutcome(conn, false)
		}
		_ = conn.Close()
		return
	}

	if !outcome.ok {
		log.WithFields(log.Fields{"connection_id": id, "error": outcome.err}).Info("agent: server reverse dial failed")
		if onOutcome != nil {
			onOutcome(conn, false)
		}
		_ = conn.Close()
		return
	}

	if onOutcome != nil {
		onOutcome(conn, true)
	}
	data, err := c.dialData(id)
	if err != nil {
		log.WithError(err).Warn("agent: failed to open data connection for reverse")
		_ = conn.Close()
		return
	}
	netpipe.Splice(conn, data, "", noopCounter{}, nil)
}

// bufferedConn preserves bytes pipelined behind the SOCKS5 request so
// they reach the data connection in order once piping starts — the
// agent-side twin of forward.bufferedConn (spec §9 "SOCKS5 preData").
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
