package forward

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qiudaomao/node-frp/internal/catalog"
	"github.com/qiudaomao/node-frp/internal/ids"
	"github.com/qiudaomao/node-frp/internal/wire"
)

// UDPIdleTimeout is how long a forward-direction UDP session may sit
// without traffic before the server drops its source-address mapping
// (spec §4.6: "implementation-defined, ≥60s suggested").
const UDPIdleTimeout = 90 * time.Second

// UDPForwarder binds remote_port for one forward-direction UDP
// forward and maps each distinct external source address to a stable
// ConnectionID, per spec §4.6 and the design note on preserving the
// 5-tuple across the life of a session (§9 "UDP session key choice").
type UDPForwarder struct {
	Forward catalog.Forward

	conn *net.UDPConn

	mu       sync.Mutex
	byConnID map[ids.ConnectionID]*net.UDPAddr
	byAddr   map[string]ids.ConnectionID
	lastSeen map[ids.ConnectionID]time.Time

	closeOnce sync.Once
	stop      chan struct{}
}

// ListenUDP binds f.RemotePort for UDP.
func ListenUDP(f catalog.Forward) (*UDPForwarder, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: f.RemotePort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPForwarder{
		Forward:  f,
		conn:     conn,
		byConnID: make(map[ids.ConnectionID]*net.UDPAddr),
		byAddr:   make(map[string]ids.ConnectionID),
		lastSeen: make(map[ids.ConnectionID]time.Time),
		stop:     make(chan struct{}),
	}, nil
}

// Close tears down the UDP socket and its idle reaper.
func (u *UDPForwarder) Close() {
	u.closeOnce.Do(func() {
		close(u.stop)
		_ = u.conn.Close()
	})
}

// Serve reads datagrams and forwards each as a udp_packet to the
// agent, assigning a stable ConnectionID per source address. Blocks
// until the socket is closed.
func (u *UDPForwarder) Serve(d Dispatcher) {
	go u.reapIdle()

	buf := make([]byte, 65535)
	for {
		n, src, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.stop:
				return
			default:
			}
			log.WithFields(log.Fields{"forward": u.Forward.Name, "error": err}).Warn("forward: udp read failed, forwarder exiting")
			return
		}
		id := u.connIDFor(src)
		data := make([]byte, n)
		copy(data, buf[:n])

		pkt := &wire.UDPPacket{
			Kind:         wire.TypeUDPPacket,
			ConnectionID: id,
			Data:         data,
			TargetHost:   u.Forward.LocalIP,
			TargetPort:   u.Forward.LocalPort,
			ProxyName:    u.Forward.Name,
		}
		if err := d.Send(pkt); err != nil {
			log.WithFields(log.Fields{"forward": u.Forward.Name, "connection_id": id, "error": err}).Warn("forward: failed to relay udp_packet to agent")
		}
	}
}

// connIDFor returns the stable ConnectionID for src, minting a fresh
// one on first sight.
func (u *UDPForwarder) connIDFor(src *net.UDPAddr) ids.ConnectionID {
	key := src.String()
	u.mu.Lock()
	defer u.mu.Unlock()
	if id, ok := u.byAddr[key]; ok {
		u.lastSeen[id] = time.Now()
		return id
	}
	id := ids.NewConnectionID()
	u.byAddr[key] = id
	addrCopy := *src
	u.byConnID[id] = &addrCopy
	u.lastSeen[id] = time.Now()
	return id
}

// Reply decodes the agent's udp_packet_response and sends it back to
// the external source that originally owns connID, preserving the
// 5-tuple mapping the design note calls out.
func (u *UDPForwarder) Reply(connID ids.ConnectionID, data []byte) {
	u.mu.Lock()
	addr, ok := u.byConnID[connID]
	if ok {
		u.lastSeen[connID] = time.Now()
	}
	u.mu.Unlock()
	if !ok {
		log.WithField("connection_id", connID).Debug("forward: udp_packet_response for unknown/expired session")
		return
	}
	if _, err := u.conn.WriteToUDP(data, addr); err != nil {
		log.WithFields(log.Fields{"connection_id": connID, "error": err}).Warn("forward: failed writing udp reply to source")
	}
}

// CloseSession drops connID's mapping (agent- or server-initiated
// udp_close, spec §4.6).
func (u *UDPForwarder) CloseSession(connID ids.ConnectionID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if addr, ok := u.byConnID[connID]; ok {
		delete(u.byConnID, connID)
		delete(u.byAddr, addr.String())
		delete(u.lastSeen, connID)
	}
}

func (u *UDPForwarder) reapIdle() {
	ticker := time.NewTicker(UDPIdleTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-u.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-UDPIdleTimeout)
			u.mu.Lock()
			for id, seen := range u.lastSeen {
				if seen.Before(cutoff) {
					if addr, ok := u.byConnID[id]; ok {
						delete(u.byAddr, addr.String())
					}
					delete(u.byConnID, id)
					delete(u.lastSeen, id)
				}
			}
			u.mu.Unlock()
		}
	}
}
