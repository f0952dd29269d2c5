// Package agent implements the agent side of the control-plane state
// machine (spec §4.1–§4.6): the long-lived handshake, heartbeat sender,
// dial-out for forward-direction connections, and the reverse-direction
// listeners the server's reverse_connection/reverse_dynamic messages
// drive. Grounded on the teacher's pkg/breaker.Client (the long-lived
// client session with its AddRoute dispatch table) generalized from a
// length-prefixed binary protocol to the wire package.
package agent

import (
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qiudaomao/node-frp/internal/ids"
	"github.com/qiudaomao/node-frp/internal/netpipe"
	"github.com/qiudaomao/node-frp/internal/wire"
)

// HeartbeatInterval is how often the agent sends heartbeat (spec §4.2).
const HeartbeatInterval = 30 * time.Second

// dialTimeout bounds local-service and server dials.
const dialTimeout = 10 * time.Second

// LocalDialer abstracts the agent's dial into its own local network —
// used by forward-TCP (the configured local service) and
// forward-dynamic (the SOCKS5-negotiated target), the two directions
// where the agent, not the server, reaches the real endpoint.
// Generalized from the teacher's cmd/bridge/command/bridge.go FileServer
// plugin swap-in, so an embedder can substitute a non-TCP local target
// (e.g. an in-process handler) without touching the control-plane code.
type LocalDialer func(network, address string, timeout time.Duration) (net.Conn, error)

// DefaultLocalDialer dials with net.DialTimeout.
func DefaultLocalDialer(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// Client is one agent's control session. It owns the control socket,
// the current authoritative forward set, the reverse-direction
// listeners it opened from that set, and the in-flight reverse
// negotiations awaiting a *_ready/*_failed reply.
type Client struct {
	ServerAddr string
	Token      string

	// LocalDialer dials the agent's own local network for forward-TCP
	// and forward-dynamic connections. Defaults to DefaultLocalDialer;
	// exported so an embedder can override it before calling Run.
	LocalDialer LocalDialer

	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder

	mu       sync.Mutex
	forwards []wire.PortForward

	reverseMu sync.Mutex
	reverse   map[string]*reverseListener // keyed by forward name

	pendingMu sync.Mutex
	pending   map[ids.ConnectionID]chan reverseOutcome

	udp *udpMux

	stop     chan struct{}
	stopOnce sync.Once
}

type reverseOutcome struct {
	ok  bool
	err string
}

// New constructs a Client without connecting; Run dials the server,
// authenticates, and serves the session.
func New(serverAddr, token string) *Client {
	c := &Client{
		ServerAddr:  serverAddr,
		Token:       token,
		LocalDialer: DefaultLocalDialer,
		reverse:     make(map[string]*reverseListener),
		pending:     make(map[ids.ConnectionID]chan reverseOutcome),
		stop:        make(chan struct{}),
	}
	c.udp = newUDPMux(c)
	return c
}

// Run dials the server, authenticates, and blocks running the steady
// state until the connection ends or Stop is called. Callers typically
// loop Run with a backoff to implement reconnection.
func (c *Client) Run() error {
	conn, err := net.DialTimeout("tcp", c.ServerAddr, dialTimeout)
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(20 * time.Second)
	}
	c.conn = conn
	c.enc = wire.NewEncoder(conn)
	c.dec = wire.NewDecoder(conn)

	if err := c.enc.WriteMessage(wire.NewControlHandshake(c.Token)); err != nil {
		_ = conn.Close()
		return err
	}
	cmd, err := c.dec.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return err
	}
	resp, ok := cmd.(*wire.AuthResponse)
	if !ok || !resp.Success {
		_ = conn.Close()
		if ok {
			return authError(resp.Error)
		}
		return authError("server rejected handshake")
	}

	c.applyForwards(resp.PortForwards)
	log.WithField("server", c.ServerAddr).Info("agent: authenticated")

	go c.heartbeatLoop()
	return c.runSteadyState()
}

// Stop closes the control connection, ending Run.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeAllReverseListeners()
		if c.udp != nil {
			c.udp.closeAll()
		}
	})
}

type authError string

func (e authError) Error() string { return "agent: auth rejected: " + string(e) }

func (c *Client) send(cmd wire.Command) error {
	return c.enc.WriteMessage(cmd)
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.send(wire.NewHeartbeat()); err != nil {
				log.WithError(err).Warn("agent: heartbeat send failed")
				return
			}
		}
	}
}

func (c *Client) runSteadyState() error {
	defer c.Stop()
	for {
		cmd, err := c.dec.ReadMessage()
		if err != nil {
			if err == wire.ErrUnknownType {
				log.Debug("agent: ignoring unknown message type")
				continue
			}
			return err
		}
		c.dispatch(cmd)
	}
}

func (c *Client) dispatch(cmd wire.Command) {
	switch m := cmd.(type) {
	case *wire.HeartbeatAck:
		// no-op; presence of any traffic keeps the socket alive.

	case *wire.ConfigUpdate:
		c.applyForwards(m.PortForwards)

	case *wire.NewConnection:
		go c.handleNewConnection(m)

	case *wire.DynamicConnection:
		go c.handleDynamicConnection(m)

	case *wire.ReverseReady:
		c.resolveReverse(m.ConnectionID, reverseOutcome{ok: true})

	case *wire.ReverseFailed:
		c.resolveReverse(m.ConnectionID, reverseOutcome{err: m.Error})

	case *wire.ReverseDynamicReady:
		c.resolveReverse(m.ConnectionID, reverseOutcome{ok: true})

	case *wire.ReverseDynamicFailed:
		c.resolveReverse(m.ConnectionID, reverseOutcome{err: m.Error})

	case *wire.UDPPacket:
		c.udp.handlePacket(m)

	case *wire.UDPClose:
		c.udp.handleClose(m.ConnectionID)

	default:
		log.WithField("type", cmd.Type()).Debug("agent: no handler for message type, ignoring")
	}
}

func (c *Client) awaitReverse(id ids.ConnectionID) chan reverseOutcome {
	ch := make(chan reverseOutcome, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) resolveReverse(id ids.ConnectionID, outcome reverseOutcome) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		log.WithField("connection_id", id).Debug("agent: reverse outcome for unknown/expired request")
		return
	}
	ch <- outcome
}

// dialData opens a fresh TCP connection to the server and sends
// data_connection as its first frame (spec §4.3).
func (c *Client) dialData(id ids.ConnectionID) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.ServerAddr, dialTimeout)
	if err != nil {
		return nil, err
	}
	if err := wire.NewEncoder(conn).WriteMessage(wire.NewDataConnection(id)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// handleNewConnection implements the agent side of forward TCP
// (spec §4.5.1): dial the local service and splice it with a fresh
// data connection. A local-dial failure still opens and immediately
// closes the data connection so the server's matching Pending is
// resolved promptly rather than left to time out.
func (c *Client) handleNewConnection(m *wire.NewConnection) {
	f, ok := c.forwardByName(m.ProxyName)
	if !ok {
		log.WithField("proxy", m.ProxyName).Warn("agent: new_connection for unknown forward")
		return
	}
	local, err := c.LocalDialer("tcp", net.JoinHostPort(f.LocalIP, portString(f.LocalPort)), dialTimeout)
	if err != nil {
		log.WithFields(log.Fields{"proxy": m.ProxyName, "error": err}).Info("agent: local dial failed")
		if data, dialErr := c.dialData(m.ConnectionID); dialErr == nil {
			_ = data.Close()
		}
		return
	}
	data, err := c.dialData(m.ConnectionID)
	if err != nil {
		log.WithError(err).Warn("agent: failed to open data connection")
		_ = local.Close()
		return
	}
	netpipe.Splice(local, data, "", noopCounter{}, nil)
}

// handleDynamicConnection implements the agent side of forward SOCKS5
// (spec §4.5.3): dial the SOCKS5-negotiated target and report the
// outcome before opening the data connection.
func (c *Client) handleDynamicConnection(m *wire.DynamicConnection) {
	target, err := c.LocalDialer("tcp", net.JoinHostPort(m.TargetHost, portString(m.TargetPort)), dialTimeout)
	if err != nil {
		log.WithFields(log.Fields{"proxy": m.ProxyName, "error": err}).Info("agent: dynamic dial failed")
		_ = c.send(wire.NewDynamicFailed(m.ConnectionID, err.Error()))
		return
	}
	if err := c.send(wire.NewDynamicReady(m.ConnectionID)); err != nil {
		log.WithError(err).Warn("agent: failed to send dynamic_ready")
		_ = target.Close()
		return
	}
	data, err := c.dialData(m.ConnectionID)
	if err != nil {
		log.WithError(err).Warn("agent: failed to open data connection")
		_ = target.Close()
		return
	}
	netpipe.Splice(target, data, "", noopCounter{}, nil)
}

func (c *Client) forwardByName(name string) (wire.PortForward, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.forwards {
		if f.Name == name {
			return f, true
		}
	}
	return wire.PortForward{}, false
}

func (c *Client) applyForwards(forwards []wire.PortForward) {
	c.mu.Lock()
	c.forwards = forwards
	c.mu.Unlock()
	c.reconcileReverseListeners(forwards)
}

// noopCounter stands in for netpipe.Counter: the agent doesn't meter
// traffic (spec §4.7 is a server-side concern keyed by ForwardId, which
// the agent never resolves locally).
type noopCounter struct{}

func (noopCounter) AddIn(ids.ForwardID, int64)  {}
func (noopCounter) AddOut(ids.ForwardID, int64) {}

func portString(p int) string {
	return strconv.Itoa(p)
}
