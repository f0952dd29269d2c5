// Package forward implements the per-direction forward engines (spec
// §4.5): the orchestration of control-plane negotiation and
// data-plane pair-piping for forward TCP, reverse TCP, forward
// dynamic (SOCKS5), and reverse dynamic (SOCKS5). UDP session muxing
// lives alongside in udp.go since it never touches the Pending table.
package forward

import (
	"bufio"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qiudaomao/node-frp/internal/catalog"
	"github.com/qiudaomao/node-frp/internal/ids"
	"github.com/qiudaomao/node-frp/internal/netpipe"
	"github.com/qiudaomao/node-frp/internal/pending"
	"github.com/qiudaomao/node-frp/internal/socks5"
	"github.com/qiudaomao/node-frp/internal/wire"
)

// Dispatcher is the subset of a control session a forward engine
// needs: send a message to the agent, and reach the shared tables.
// Kept interface-shaped to avoid forward importing control.
type Dispatcher interface {
	AgentID() ids.AgentID
	Send(cmd wire.Command) error
	Pending() *pending.Table
	Meter() netpipe.Counter
}

// AcceptTCP handles one freshly accepted user connection for a
// forward-direction TCP forward (spec §4.5.1): register a Pending
// entry and instruct the agent to dial out.
func AcceptTCP(f catalog.Forward, conn net.Conn, d Dispatcher) {
	id := ids.NewConnectionID()
	d.Pending().Add(id, f.ID, d.AgentID(), pending.SideUser, conn, pending.DefaultTimeout, func(e *pending.Entry) {
		log.WithFields(log.Fields{"forward": f.Name, "connection_id": id}).Warn("forward: pending user connection timed out waiting for agent")
		_ = e.Conn.Close()
	})
	if err := d.Send(wire.NewNewConnection(f.Name, id)); err != nil {
		log.WithFields(log.Fields{"forward": f.Name, "connection_id": id, "error": err}).Warn("forward: failed to notify agent of new connection")
		if e, ok := d.Pending().Take(id); ok {
			_ = e.Conn.Close()
		}
	}
}

// bufferedConn wraps a net.Conn so bytes already buffered by an
// earlier protocol phase (the SOCKS5 negotiation) are drained first by
// anything that reads from it afterwards, instead of being lost to a
// separate explicit preData buffer (spec §9 "SOCKS5 preData" — any
// bytes pipelined behind the CONNECT request must reach the agent-side
// target, in order, as the first payload bytes).
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(c net.Conn) *bufferedConn {
	return &bufferedConn{Conn: c, r: bufio.NewReader(c)}
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// AcceptDynamic handles one freshly accepted user connection for a
// forward-direction dynamic (SOCKS5) forward (spec §4.5.3).
func AcceptDynamic(f catalog.Forward, rawConn net.Conn, d Dispatcher) {
	conn := newBufferedConn(rawConn)
	if err := socks5.Negotiate(conn); err != nil {
		log.WithFields(log.Fields{"forward": f.Name, "error": err}).Debug("forward: socks5 negotiation failed")
		_ = conn.Close()
		return
	}
	target, err := socks5.ReadConnectRequest(conn)
	if err != nil {
		log.WithFields(log.Fields{"forward": f.Name, "error": err}).Debug("forward: socks5 CONNECT parse failed")
		_ = conn.Close()
		return
	}

	id := ids.NewConnectionID()
	// conn (not rawConn) becomes the Pending's socket: any bytes the
	// client pipelined right behind the CONNECT request are sitting in
	// its bufio.Reader and will be read out, in order, once piping
	// starts — equivalent to flushing preData without a second buffer.
	d.Pending().Add(id, f.ID, d.AgentID(), pending.SideUser, conn, pending.DefaultTimeout, func(e *pending.Entry) {
		log.WithFields(log.Fields{"forward": f.Name, "connection_id": id}).Warn("forward: dynamic pending connection timed out")
		_ = e.Conn.Close()
	})

	cmd := &wire.DynamicConnection{Kind: wire.TypeDynamicConnection, ProxyName: f.Name, ConnectionID: id, TargetHost: target.Host, TargetPort: int(target.Port)}
	if err := d.Send(cmd); err != nil {
		log.WithFields(log.Fields{"forward": f.Name, "connection_id": id, "error": err}).Warn("forward: failed to notify agent of dynamic connection")
		if e, ok := d.Pending().Take(id); ok {
			_ = e.Conn.Close()
		}
	}
}

// OnDynamicReady handles the agent's dynamic_ready: the pending entry
// is left in the table (the data_connection twin hasn't arrived yet)
// and a SOCKS5 success reply is written to the still-waiting user
// socket, per spec §4.5.3.
func OnDynamicReady(table *pending.Table, id ids.ConnectionID) {
	e, ok := table.Peek(id)
	if !ok {
		log.WithField("connection_id", id).Debug("forward: dynamic_ready for unknown/expired connection")
		return
	}
	if err := socks5.WriteSuccess(e.Conn); err != nil {
		log.WithFields(log.Fields{"connection_id": id, "error": err}).Warn("forward: failed writing socks5 success reply")
	}
}

// OnDynamicFailed handles the agent's dynamic_failed: the Pending
// entry and the waiting user socket are torn down after a SOCKS5
// general-failure reply.
func OnDynamicFailed(table *pending.Table, id ids.ConnectionID, reason string) {
	e, ok := table.Take(id)
	if !ok {
		log.WithField("connection_id", id).Debug("forward: dynamic_failed for unknown/expired connection")
		return
	}
	log.WithFields(log.Fields{"connection_id": id, "reason": reason}).Info("forward: agent reported dynamic dial failure")
	_ = socks5.WriteFailure(e.Conn)
	_ = e.Conn.Close()
}

// Dialer abstracts outbound TCP dialing so reverse-mode tests can
// substitute a fake without opening real sockets.
type Dialer func(network, address string, timeout time.Duration) (net.Conn, error)

// DefaultDialer dials with net.DialTimeout.
func DefaultDialer(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

const reverseDialTimeout = 10 * time.Second

// OnReverseConnection handles the agent's reverse_connection: the
// server dials the forward's remote target and, on success, stores a
// Pending(SideTarget) entry and replies reverse_ready; on failure it
// replies reverse_failed (spec §4.5.2).
func OnReverseConnection(f catalog.Forward, id ids.ConnectionID, d Dispatcher, dial Dialer) {
	addr := net.JoinHostPort(f.RemoteIP, strconv.Itoa(f.RemotePort))
	conn, err := dial("tcp", addr, reverseDialTimeout)
	if err != nil {
		log.WithFields(log.Fields{"forward": f.Name, "connection_id": id, "target": addr, "error": err}).Info("forward: reverse dial failed")
		_ = d.Send(wire.NewReverseFailed(id, err.Error()))
		return
	}
	d.Pending().Add(id, f.ID, d.AgentID(), pending.SideTarget, conn, pending.DefaultTimeout, func(e *pending.Entry) {
		log.WithFields(log.Fields{"forward": f.Name, "connection_id": id}).Warn("forward: reverse pending target timed out waiting for agent data connection")
		_ = e.Conn.Close()
	})
	if err := d.Send(wire.NewReverseReady(id)); err != nil {
		log.WithFields(log.Fields{"forward": f.Name, "connection_id": id, "error": err}).Warn("forward: failed to notify agent reverse_ready")
		if e, ok := d.Pending().Take(id); ok {
			_ = e.Conn.Close()
		}
	}
}

// OnReverseDynamic handles the agent's reverse_dynamic: the server
// dials the SOCKS5-negotiated target (from the server's network) and
// replies reverse_dynamic_ready/failed (spec §4.5.4).
func OnReverseDynamic(f catalog.Forward, id ids.ConnectionID, targetHost string, targetPort int, d Dispatcher, dial Dialer) {
	addr := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	conn, err := dial("tcp", addr, reverseDialTimeout)
	if err != nil {
		log.WithFields(log.Fields{"forward": f.Name, "connection_id": id, "target": addr, "error": err}).Info("forward: reverse-dynamic dial failed")
		_ = d.Send(wire.NewReverseDynamicFailed(id, err.Error()))
		return
	}
	d.Pending().Add(id, f.ID, d.AgentID(), pending.SideTarget, conn, pending.DefaultTimeout, func(e *pending.Entry) {
		log.WithFields(log.Fields{"forward": f.Name, "connection_id": id}).Warn("forward: reverse-dynamic pending target timed out")
		_ = e.Conn.Close()
	})
	if err := d.Send(wire.NewReverseDynamicReady(id)); err != nil {
		log.WithFields(log.Fields{"forward": f.Name, "connection_id": id, "error": err}).Warn("forward: failed to notify agent reverse_dynamic_ready")
		if e, ok := d.Pending().Take(id); ok {
			_ = e.Conn.Close()
		}
	}
}

// JoinDataConnection completes the handshake described in spec §4.3:
// the agent's data_connection carries connectionId as its only field;
// this looks up the matching Pending and splices it with dataConn.
func JoinDataConnection(table *pending.Table, id ids.ConnectionID, dataConn net.Conn, meter netpipe.Counter) {
	e, ok := table.Take(id)
	if !ok {
		log.WithField("connection_id", id).Debug("forward: data_connection for unknown/expired connection")
		_ = dataConn.Close()
		return
	}

	switch e.Side {
	case pending.SideUser:
		// e.Conn is the user socket; dataConn carries the agent's
		// local-service bytes.
		netpipe.Splice(e.Conn, dataConn, e.ForwardID, meter, nil)
	case pending.SideTarget:
		// e.Conn is the server-side target socket dialed for a
		// reverse-mode forward; dataConn carries the agent-side user
		// bytes.
		netpipe.Splice(dataConn, e.Conn, e.ForwardID, meter, nil)
	}
}
