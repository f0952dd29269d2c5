// Package listenermgr implements the listener manager (spec §3, §4.4):
// opening and closing the server-side TCP listeners that back
// forward/dynamic-direction forwards, reconciling the desired set from
// the catalog against what is actually bound, one agent at a time.
package listenermgr

import (
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qiudaomao/node-frp/internal/catalog"
	"github.com/qiudaomao/node-frp/internal/ids"
	"github.com/qiudaomao/node-frp/internal/recovery"
)

// Handle is one bound listener, owned by exactly one agent's session.
type Handle struct {
	RemotePort int
	ForwardID  ids.ForwardID
	AgentID    ids.AgentID

	listener net.Listener
	stop     chan struct{}
	stopOnce sync.Once
}

// Close tears down the accept loop and the underlying socket.
func (h *Handle) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
		_ = h.listener.Close()
	})
}

// AcceptFunc handles one freshly accepted user connection on behalf of
// the forward that owns h.
type AcceptFunc func(h *Handle, conn net.Conn)

// Manager reconciles desired listeners against bound ones. remote_port
// is the single global namespace: at most one listener may ever be
// bound on a given port across every agent (spec §3 Listener
// invariant, §8 "no time do two listeners bind the same remote_port").
type Manager struct {
	globalMu sync.Mutex
	byPort   map[int]*Handle

	agentMu    sync.Map // AgentID -> *sync.Mutex, serializes Reconcile per agent
	agentOwned sync.Map // AgentID -> map[ForwardID]*Handle
}

func New() *Manager {
	return &Manager{byPort: make(map[int]*Handle)}
}

func (m *Manager) lockFor(agentID ids.AgentID) *sync.Mutex {
	mu, _ := m.agentMu.LoadOrStore(agentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) ownedFor(agentID ids.AgentID) map[ids.ForwardID]*Handle {
	v, _ := m.agentOwned.LoadOrStore(agentID, make(map[ids.ForwardID]*Handle))
	return v.(map[ids.ForwardID]*Handle)
}

// Reconcile brings the agent's bound listeners in line with desired,
// the enabled forward/dynamic-direction forwards from the catalog.
// Per §4.4, closing is sequenced strictly before opening so a port
// being moved between two of the agent's own forwards never transiently
// double-binds (design note §9, "ABA in listener ownership").
func (m *Manager) Reconcile(agentID ids.AgentID, desired []catalog.Forward, accept AcceptFunc) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	owned := m.ownedFor(agentID)

	wantByForward := make(map[ids.ForwardID]catalog.Forward, len(desired))
	for _, f := range desired {
		if !f.Enabled || !f.BindsOnServer() || f.Transport == catalog.TransportUDP {
			// UDP-transport forwards bind a UDP socket, not a TCP
			// listener; that lifecycle is managed separately (§4.6).
			continue
		}
		wantByForward[f.ID] = f
	}

	// Close first: anything owned that is no longer desired, or whose
	// remote_port moved.
	for fid, h := range owned {
		want, stillWanted := wantByForward[fid]
		if !stillWanted || want.RemotePort != h.RemotePort {
			m.closeHandle(h)
			delete(owned, fid)
			log.WithFields(log.Fields{
				"agent_id":   agentID,
				"forward_id": fid,
				"port":       h.RemotePort,
			}).Info("listenermgr: closed listener no longer desired")
		}
	}

	// Open anything desired not already owned at the right port.
	for fid, f := range wantByForward {
		if h, ok := owned[fid]; ok && h.RemotePort == f.RemotePort {
			continue
		}
		h, err := m.bind(agentID, f)
		if err != nil {
			log.WithFields(log.Fields{
				"agent_id":   agentID,
				"forward_id": fid,
				"port":       f.RemotePort,
				"error":      err,
			}).Warn("listenermgr: remote port conflict, forward left dormant")
			continue
		}
		owned[fid] = h
		go m.acceptLoop(h, accept)
	}
}

// bind attempts to claim remotePort globally for this agent/forward.
func (m *Manager) bind(agentID ids.AgentID, f catalog.Forward) (*Handle, error) {
	m.globalMu.Lock()
	if existing, taken := m.byPort[f.RemotePort]; taken {
		m.globalMu.Unlock()
		if existing.AgentID == agentID && existing.ForwardID == f.ID {
			return existing, nil
		}
		return nil, errPortConflict(f.RemotePort)
	}
	m.globalMu.Unlock()

	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(f.RemotePort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	m.globalMu.Lock()
	if existing, taken := m.byPort[f.RemotePort]; taken {
		m.globalMu.Unlock()
		_ = ln.Close()
		return nil, errPortConflict(existing.RemotePort)
	}
	h := &Handle{RemotePort: f.RemotePort, ForwardID: f.ID, AgentID: agentID, listener: ln, stop: make(chan struct{})}
	m.byPort[f.RemotePort] = h
	m.globalMu.Unlock()

	log.WithFields(log.Fields{"agent_id": agentID, "forward_id": f.ID, "port": f.RemotePort}).Info("listenermgr: bound listener")
	return h, nil
}

func (m *Manager) closeHandle(h *Handle) {
	m.globalMu.Lock()
	if cur, ok := m.byPort[h.RemotePort]; ok && cur == h {
		delete(m.byPort, h.RemotePort)
	}
	m.globalMu.Unlock()
	h.Close()
}

// CloseAllForAgent tears down every listener owned by agentID — used on
// control session teardown (spec §3 Listener lifecycle).
func (m *Manager) CloseAllForAgent(agentID ids.AgentID) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()
	owned := m.ownedFor(agentID)
	for fid, h := range owned {
		m.closeHandle(h)
		delete(owned, fid)
	}
}

func (m *Manager) acceptLoop(h *Handle, accept AcceptFunc) {
	var tempDelay time.Duration
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.stop:
				return
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
				time.Sleep(tempDelay)
				continue
			}
			log.WithError(err).WithField("port", h.RemotePort).Warn("listenermgr: accept loop exiting")
			return
		}
		tempDelay = 0
		go recovery.Guard("listenermgr.acceptLoop", func() { accept(h, conn) })
	}
}

type errPortConflictT struct{ port int }

func errPortConflict(port int) error { return &errPortConflictT{port: port} }
func (e *errPortConflictT) Error() string {
	return "listenermgr: remote port " + strconv.Itoa(e.port) + " already bound by another agent"
}
