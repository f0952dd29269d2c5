package control

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/qiudaomao/node-frp/internal/catalog"
	"github.com/qiudaomao/node-frp/internal/forward"
	"github.com/qiudaomao/node-frp/internal/ids"
	"github.com/qiudaomao/node-frp/internal/listenermgr"
	"github.com/qiudaomao/node-frp/internal/pending"
	"github.com/qiudaomao/node-frp/internal/recovery"
	"github.com/qiudaomao/node-frp/internal/registry"
	"github.com/qiudaomao/node-frp/internal/trafficmeter"
	"github.com/qiudaomao/node-frp/internal/wire"
)

// handshakeTimeout bounds how long a freshly accepted socket is given
// to produce its first complete line before it is destroyed (spec
// §4.2 NEW state, §7 "protocol/frame errors: destroy, never recover").
const handshakeTimeout = 10 * time.Second

// Server is the accept-loop root of the control plane (spec §3, §4.2):
// it owns the shared Pending table, listener manager, registry, and
// traffic meter, and routes every freshly accepted socket to either a
// new authenticated Session or an existing Pending's data-connection
// join. Grounded on the teacher's Portal.HandlerConn, which performs
// the same first-message type switch between NewMaster and WorkCtl.
type Server struct {
	cat       catalog.Catalog
	registry  *registry.Registry
	listeners *listenermgr.Manager
	pending   *pending.Table
	meter     *trafficmeter.Meter

	udpMu    sync.Map // ids.AgentID -> *sync.Mutex
	udpOwned sync.Map // ids.AgentID -> map[ids.ForwardID]*forward.UDPForwarder

	reloadGroup singleflight.Group
}

// New constructs a Server around the given catalog and traffic meter.
// The caller owns meter's lifecycle (Run/Stop).
func New(cat catalog.Catalog, meter *trafficmeter.Meter) *Server {
	return &Server{
		cat:       cat,
		registry:  registry.New(),
		listeners: listenermgr.New(),
		pending:   pending.NewTable(),
		meter:     meter,
	}
}

// Serve accepts connections on ln until ctx is cancelled or the
// listener errors, handling each on its own goroutine. Grounded on the
// teacher's services/portal.go Start: errgroup plus the exponential
// backoff on transient accept errors.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		go func() {
			<-egCtx.Done()
			_ = ln.Close()
		}()

		var tempDelay time.Duration
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-egCtx.Done():
					return nil
				default:
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					if tempDelay == 0 {
						tempDelay = 5 * time.Millisecond
					} else {
						tempDelay *= 2
					}
					if tempDelay > time.Second {
						tempDelay = time.Second
					}
					log.WithError(err).Warn("control: transient accept error, backing off")
					time.Sleep(tempDelay)
					continue
				}
				return err
			}
			tempDelay = 0
			go s.handleConn(conn)
		}
	})
	return eg.Wait()
}

// handleConn classifies one freshly accepted socket (spec §4.2 NEW
// state): control_handshake starts a Session, data_connection joins a
// Pending, anything else is destroyed.
func (s *Server) handleConn(conn net.Conn) {
	recovery.Guard("control.handleConn", func() { s.handleConnBody(conn) })
}

func (s *Server) handleConnBody(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(TCPKeepalive)
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)
	cmd, err := dec.ReadMessage()
	if err != nil {
		log.WithError(err).Debug("control: destroying connection, no valid first message")
		_ = conn.Close()
		return
	}

	switch m := cmd.(type) {
	case *wire.ControlHandshake:
		_ = conn.SetReadDeadline(time.Time{})
		s.onHandshake(conn, dec, enc, m)

	case *wire.DataConnection:
		_ = conn.SetReadDeadline(time.Time{})
		dataConn := &residualConn{Conn: conn, r: dec.Reader()}
		go func() {
			recovery.Guard("control.JoinDataConnection", func() {
				forward.JoinDataConnection(s.pending, m.ConnectionID, dataConn, s.meter)
			})
		}()

	default:
		log.WithField("type", cmd.Type()).Debug("control: unexpected first message, destroying")
		_ = conn.Close()
	}
}

// residualConn lets a data connection's Read resume from whatever the
// handshake-peeking Decoder had already buffered past the
// data_connection line, so no pipelined payload byte is dropped (spec
// §4.1 "preserves post-handshake residual bytes").
type residualConn struct {
	net.Conn
	r io.Reader
}

func (c *residualConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// onHandshake authenticates m against the catalog and either promotes
// conn to a live Session or rejects and destroys it (spec §4.2 NEW →
// AUTHENTICATED transition).
func (s *Server) onHandshake(conn net.Conn, dec *wire.Decoder, enc *wire.Encoder, m *wire.ControlHandshake) {
	agent, err := s.cat.GetAgentByToken(m.Token)
	if err != nil {
		log.WithError(err).Warn("control: catalog error resolving token")
		_ = enc.WriteMessage(&wire.AuthResponse{Kind: wire.TypeAuthResponse, Success: false, Error: "catalog error"})
		_ = conn.Close()
		return
	}
	if agent == nil {
		log.Info("control: handshake rejected, unknown or disabled agent token")
		_ = enc.WriteMessage(&wire.AuthResponse{Kind: wire.TypeAuthResponse, Success: false, Error: "invalid token"})
		_ = conn.Close()
		return
	}

	forwards, err := s.cat.GetForwardsByAgent(agent.ID)
	if err != nil {
		log.WithFields(log.Fields{"agent_id": agent.ID, "error": err}).Warn("control: catalog error loading forwards")
		_ = enc.WriteMessage(&wire.AuthResponse{Kind: wire.TypeAuthResponse, Success: false, Error: "catalog error"})
		_ = conn.Close()
		return
	}

	sess := &Session{conn: conn, enc: enc, dec: dec, agentID: agent.ID, server: s,
		udpFwd: make(map[ids.ForwardID]*forward.UDPForwarder)}

	if old := s.registry.Put(sess); old != nil {
		log.WithField("agent_id", agent.ID).Info("control: superseding stale session for reconnecting agent")
	}

	if err := sess.Send(&wire.AuthResponse{Kind: wire.TypeAuthResponse, Success: true, PortForwards: buildPortForwards(forwards)}); err != nil {
		log.WithFields(log.Fields{"agent_id": agent.ID, "error": err}).Warn("control: failed to send auth_response")
		sess.Close()
		return
	}

	log.WithField("agent_id", agent.ID).Info("control: agent authenticated")
	s.listeners.Reconcile(agent.ID, s.filterPortConflicts(agent.ID, forwards), func(h *listenermgr.Handle, c net.Conn) {
		s.acceptOnHandle(h, c, sess, forwards)
	})
	s.reconcileUDP(agent.ID, sess, forwards)

	sess.runAuthenticated()
}

// acceptOnHandle routes one accepted user connection to the forward
// engine matching h's forward (spec §4.5.1, §4.5.3).
func (s *Server) acceptOnHandle(h *listenermgr.Handle, conn net.Conn, sess *Session, forwards []catalog.Forward) {
	for _, f := range forwards {
		if f.ID != h.ForwardID {
			continue
		}
		switch f.Direction {
		case catalog.DirectionDynamic:
			forward.AcceptDynamic(f, conn, sess)
		default:
			forward.AcceptTCP(f, conn, sess)
		}
		return
	}
	log.WithField("forward_id", h.ForwardID).Warn("control: accepted connection for a forward no longer in the desired set")
	_ = conn.Close()
}

// reconcileUDP brings agentID's bound UDP forwarders in line with the
// forward-direction, UDP-transport forwards in desired, mirroring
// listenermgr.Reconcile's close-before-open sequencing but over UDP
// sockets instead of TCP listeners.
func (s *Server) reconcileUDP(agentID ids.AgentID, sess *Session, desired []catalog.Forward) {
	lockV, _ := s.udpMu.LoadOrStore(agentID, &sync.Mutex{})
	lock := lockV.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	ownedV, _ := s.udpOwned.LoadOrStore(agentID, make(map[ids.ForwardID]*forward.UDPForwarder))
	owned := ownedV.(map[ids.ForwardID]*forward.UDPForwarder)

	want := make(map[ids.ForwardID]catalog.Forward)
	for _, f := range desired {
		if f.Enabled && f.Direction == catalog.DirectionForward && f.Transport == catalog.TransportUDP {
			want[f.ID] = f
		}
	}

	for fid, fwd := range owned {
		if f, ok := want[fid]; !ok || f.RemotePort != fwd.Forward.RemotePort {
			fwd.Close()
			delete(owned, fid)
		}
	}
	for fid, f := range want {
		if _, ok := owned[fid]; ok {
			continue
		}
		fwd, err := forward.ListenUDP(f)
		if err != nil {
			log.WithFields(log.Fields{"agent_id": agentID, "forward_id": fid, "port": f.RemotePort, "error": err}).Warn("control: failed to bind udp forward")
			continue
		}
		owned[fid] = fwd
		sess.udpMu.Lock()
		sess.udpFwd[fid] = fwd
		sess.udpMu.Unlock()
		go fwd.Serve(sess)
	}
}

func (s *Server) closeUDPForAgent(agentID ids.AgentID) {
	lockV, ok := s.udpMu.Load(agentID)
	if !ok {
		return
	}
	lock := lockV.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	ownedV, ok := s.udpOwned.Load(agentID)
	if !ok {
		return
	}
	owned := ownedV.(map[ids.ForwardID]*forward.UDPForwarder)
	for fid, fwd := range owned {
		fwd.Close()
		delete(owned, fid)
	}
}

// OnReload implements catalog.Reloader: the external admin surface
// calls this whenever forwards for agentID change (spec §6). Dedupes
// concurrent reloads for the same agent with singleflight, since a
// burst of catalog writes should collapse into one reconciliation.
func (s *Server) OnReload(agentID ids.AgentID) {
	_, _, _ = s.reloadGroup.Do(string(agentID), func() (interface{}, error) {
		s.doReload(agentID)
		return nil, nil
	})
}

func (s *Server) doReload(agentID ids.AgentID) {
	sessI, ok := s.registry.Get(agentID)
	if !ok {
		return
	}
	sess, ok := sessI.(*Session)
	if !ok {
		return
	}

	forwards, err := s.cat.GetForwardsByAgent(agentID)
	if err != nil {
		log.WithFields(log.Fields{"agent_id": agentID, "error": err}).Warn("control: reload failed, catalog read error")
		return
	}

	s.listeners.Reconcile(agentID, s.filterPortConflicts(agentID, forwards), func(h *listenermgr.Handle, c net.Conn) {
		s.acceptOnHandle(h, c, sess, forwards)
	})
	s.reconcileUDP(agentID, sess, forwards)

	if err := sess.Send(wire.NewConfigUpdate(buildPortForwards(forwards))); err != nil {
		log.WithFields(log.Fields{"agent_id": agentID, "error": err}).Warn("control: failed to push config_update")
	}
}

// filterPortConflicts asks the catalog whether each server-binding
// forward's remote_port is shared with another enabled server-binding
// forward and logs every such collision before listenermgr.Reconcile
// attempts a bind. It does not drop those forwards: the catalog check
// only excludes the forward's own id, so it reports both sides of a
// collision alike. The first-bind-wins decision (spec §4.4/§8 scenario
// 2) is made by listenermgr's in-process byPort map, which leaves the
// later conflicting forward dormant.
func (s *Server) filterPortConflicts(agentID ids.AgentID, forwards []catalog.Forward) []catalog.Forward {
	out := make([]catalog.Forward, 0, len(forwards))
	for _, f := range forwards {
		if f.BindsOnServer() && f.Transport != catalog.TransportUDP {
			available, err := s.cat.IsRemotePortAvailable(f.RemotePort, f.ID)
			if err != nil {
				log.WithFields(log.Fields{"agent_id": agentID, "forward_id": f.ID, "error": err}).Warn("control: catalog error checking remote port availability")
			} else if !available {
				log.WithFields(log.Fields{"agent_id": agentID, "forward_id": f.ID, "port": f.RemotePort}).Warn("control: catalog reports remote_port shared with another forward, first bind wins")
			}
		}
		out = append(out, f)
	}
	return out
}

func buildPortForwards(forwards []catalog.Forward) []wire.PortForward {
	out := make([]wire.PortForward, 0, len(forwards))
	for _, f := range forwards {
		if !f.Enabled {
			continue
		}
		out = append(out, wire.PortForward{
			Name:       f.Name,
			Direction:  string(f.Direction),
			ProxyType:  string(f.Transport),
			RemotePort: f.RemotePort,
			RemoteIP:   f.RemoteIP,
			LocalIP:    f.LocalIP,
			LocalPort:  f.LocalPort,
		})
	}
	return out
}
