// Package control implements the control-plane state machine (spec
// §3, §4.2): the server side of the long-lived agent connection —
// handshake, auth, heartbeat discipline, and dispatch of every
// steady-state message into the listener manager, pending table, and
// forward engines. Grounded on the teacher's portal.Master message
// loop, generalized from its length-prefixed binary protocol to the
// newline-JSON wire package and from a fixed two-command catalog to
// the spec's full message set.
package control

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qiudaomao/node-frp/internal/catalog"
	"github.com/qiudaomao/node-frp/internal/forward"
	"github.com/qiudaomao/node-frp/internal/ids"
	"github.com/qiudaomao/node-frp/internal/netpipe"
	"github.com/qiudaomao/node-frp/internal/pending"
	"github.com/qiudaomao/node-frp/internal/recovery"
	"github.com/qiudaomao/node-frp/internal/wire"
)

// HeartbeatInterval is how often an agent is expected to send
// heartbeat (spec §4.2: "agent sends heartbeat every 30s").
const HeartbeatInterval = 30 * time.Second

// HeartbeatDeadline is the server's liveness timeout, reset on every
// heartbeat (spec §4.2: "server resets a 40s deadline on each"). A var,
// not a const, so tests can shrink it rather than sleeping 40s.
var HeartbeatDeadline = 40 * time.Second

// TCPKeepalive is the keepalive period enabled on the control socket
// itself (spec §4.2: "TCP keepalive is also enabled ... (20s)").
const TCPKeepalive = 20 * time.Second

// Session is the server-side ControlSession (spec §3): one
// authenticated agent's long-lived connection plus everything it
// owns — listeners, UDP forwarders, and entries in the shared Pending
// table.
type Session struct {
	conn    net.Conn
	enc     *wire.Encoder
	dec     *wire.Decoder
	agentID ids.AgentID

	server *Server

	mu            sync.Mutex
	heartbeatTime time.Time
	closed        bool
	closeOnce     sync.Once
	rejected      bool

	udpMu  sync.Mutex
	udpFwd map[ids.ForwardID]*forward.UDPForwarder
}

// AgentID implements registry.Session and forward.Dispatcher.
func (s *Session) AgentID() ids.AgentID { return s.agentID }

// Send implements forward.Dispatcher: writes one message to the agent.
func (s *Session) Send(cmd wire.Command) error {
	return s.enc.WriteMessage(cmd)
}

// Pending implements forward.Dispatcher.
func (s *Session) Pending() *pending.Table { return s.server.pending }

// Meter implements forward.Dispatcher.
func (s *Session) Meter() netpipe.Counter { return s.server.meter }

// Close implements registry.Session: tears the session down, closing
// every resource it owns (spec §3 ControlSession lifecycle, §4.2
// CLOSED state).
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		_ = s.conn.Close()
		s.server.listeners.CloseAllForAgent(s.agentID)
		s.server.closeUDPForAgent(s.agentID)

		s.udpMu.Lock()
		s.udpFwd = nil
		s.udpMu.Unlock()

		failed := s.server.pending.RemoveAllForAgent(s.agentID)
		for _, e := range failed {
			_ = e.Conn.Close()
		}

		s.server.registry.Remove(s.agentID, s)
		log.WithField("agent_id", s.agentID).Info("control: session closed")
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) isRejected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	s.heartbeatTime = time.Now()
	s.mu.Unlock()
	_ = s.conn.SetReadDeadline(time.Now().Add(HeartbeatDeadline))
}

// runAuthenticated is the AUTHENTICATED steady state (spec §4.2): one
// message at a time, in arrival order, off this session's socket.
func (s *Session) runAuthenticated() {
	defer s.Close()
	s.touchHeartbeat()

	for {
		cmd, err := s.dec.ReadMessage()
		if err != nil {
			if err == wire.ErrUnknownType {
				// Forward-compat: unknown type during steady state is
				// log-and-continue, not destroy (spec §9 open question).
				log.WithField("agent_id", s.agentID).Debug("control: ignoring unknown message type")
				continue
			}
			log.WithFields(log.Fields{"agent_id": s.agentID, "error": err}).Info("control: session read ended")
			return
		}
		recovery.Guard("control.dispatch", func() { s.dispatch(cmd) })
		if s.isRejected() {
			return
		}
	}
}

func (s *Session) dispatch(cmd wire.Command) {
	switch m := cmd.(type) {
	case *wire.Heartbeat:
		s.touchHeartbeat()
		_ = s.Send(wire.NewHeartbeatAck())

	case *wire.ReverseConnection:
		f, ok := s.forwardByName(m.ProxyName, catalog.DirectionReverse)
		if !ok {
			log.WithFields(log.Fields{"agent_id": s.agentID, "proxy": m.ProxyName}).Warn("control: reverse_connection for unknown forward")
			return
		}
		go recovery.Guard("control.OnReverseConnection", func() {
			forward.OnReverseConnection(f, m.ConnectionID, s, forward.DefaultDialer)
		})

	case *wire.ReverseDynamic:
		f, ok := s.forwardByName(m.ProxyName, catalog.DirectionReverseDynamic)
		if !ok {
			log.WithFields(log.Fields{"agent_id": s.agentID, "proxy": m.ProxyName}).Warn("control: reverse_dynamic for unknown forward")
			return
		}
		go recovery.Guard("control.OnReverseDynamic", func() {
			forward.OnReverseDynamic(f, m.ConnectionID, m.TargetHost, m.TargetPort, s, forward.DefaultDialer)
		})

	case *wire.DynamicReady:
		forward.OnDynamicReady(s.server.pending, m.ConnectionID)

	case *wire.DynamicFailed:
		forward.OnDynamicFailed(s.server.pending, m.ConnectionID, m.Error)

	case *wire.UDPPacketResponse:
		s.handleUDPResponse(m.ConnectionID, m.Data)

	case *wire.UDPClose:
		s.handleUDPClose(m.ConnectionID)

	case *wire.Register:
		log.WithField("agent_id", s.agentID).Warn("control: rejecting legacy register message, forwards are catalog-driven")
		s.mu.Lock()
		s.rejected = true
		s.mu.Unlock()

	default:
		log.WithFields(log.Fields{"agent_id": s.agentID, "type": cmd.Type()}).Debug("control: no handler registered for message type, ignoring")
	}
}

func (s *Session) forwardByName(name string, dir catalog.Direction) (catalog.Forward, bool) {
	forwards, err := s.server.cat.GetForwardsByAgent(s.agentID)
	if err != nil {
		log.WithFields(log.Fields{"agent_id": s.agentID, "error": err}).Warn("control: catalog lookup failed resolving forward by name")
		return catalog.Forward{}, false
	}
	for _, f := range forwards {
		if f.Name == name && f.Direction == dir {
			return f, true
		}
	}
	return catalog.Forward{}, false
}

// udp_packet_response and udp_close carry only a connectionId, not the
// owning proxy name, so the session has no direct index to the one
// forwarder that minted it; each of the agent's UDP forwarders is
// asked in turn and the one that recognizes the id acts on it (§4.6).
// ConnectionIDs are process-unique UUIDs, so at most one ever matches.
func (s *Session) handleUDPResponse(connID ids.ConnectionID, data []byte) {
	for _, fwd := range s.snapshotUDPForwarders() {
		fwd.Reply(connID, data)
	}
}

func (s *Session) handleUDPClose(connID ids.ConnectionID) {
	for _, fwd := range s.snapshotUDPForwarders() {
		fwd.CloseSession(connID)
	}
}

func (s *Session) snapshotUDPForwarders() []*forward.UDPForwarder {
	s.udpMu.Lock()
	defer s.udpMu.Unlock()
	out := make([]*forward.UDPForwarder, 0, len(s.udpFwd))
	for _, fwd := range s.udpFwd {
		out = append(out, fwd)
	}
	return out
}
