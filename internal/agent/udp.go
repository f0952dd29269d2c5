package agent

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qiudaomao/node-frp/internal/ids"
	"github.com/qiudaomao/node-frp/internal/wire"
)

// udpSessionIdleTimeout mirrors the server-side default (spec §4.6:
// "implementation-defined, ≥60s suggested").
const udpSessionIdleTimeout = 90 * time.Second

// udpSession is one agent-side UdpSession (spec §3): a socket dialed
// to (targetHost, targetPort) on first sighting of a connectionId, torn
// down on idle timeout or udp_close.
type udpSession struct {
	id   ids.ConnectionID
	conn *net.UDPConn
	stop chan struct{}
}

// udpMux keeps one udpSession per connectionId for a Client, dispatches
// incoming udp_packet envelopes to the right session, and relays target
// replies back as udp_packet_response.
type udpMux struct {
	client *Client

	mu       sync.Mutex
	sessions map[ids.ConnectionID]*udpSession
}

func newUDPMux(c *Client) *udpMux {
	return &udpMux{client: c, sessions: make(map[ids.ConnectionID]*udpSession)}
}

func (u *udpMux) handlePacket(m *wire.UDPPacket) {
	sess := u.sessionFor(m.ConnectionID, m.TargetHost, m.TargetPort)
	if sess == nil {
		return
	}
	if _, err := sess.conn.Write(m.Data); err != nil {
		log.WithFields(log.Fields{"connection_id": m.ConnectionID, "error": err}).Warn("agent: udp write to target failed")
	}
}

func (u *udpMux) sessionFor(id ids.ConnectionID, host string, port int) *udpSession {
	u.mu.Lock()
	if sess, ok := u.sessions[id]; ok {
		u.mu.Unlock()
		return sess
	}
	u.mu.Unlock()

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, portString(port)))
	if err != nil {
		log.WithFields(log.Fields{"connection_id": id, "target": host, "error": err}).Warn("agent: failed to resolve udp target")
		return nil
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.WithFields(log.Fields{"connection_id": id, "target": host, "error": err}).Warn("agent: failed to dial udp target")
		return nil
	}
	sess := &udpSession{id: id, conn: conn, stop: make(chan struct{})}

	u.mu.Lock()
	u.sessions[id] = sess
	u.mu.Unlock()

	go u.serveSession(sess)
	return sess
}

func (u *udpMux) serveSession(sess *udpSession) {
	notify := true
	defer func() {
		if notify {
			u.closeSession(sess.id, true)
		}
	}()
	_ = sess.conn.SetReadDeadline(time.Now().Add(udpSessionIdleTimeout))
	buf := make([]byte, 65535)
	for {
		n, err := sess.conn.Read(buf)
		if err != nil {
			select {
			case <-sess.stop:
				notify = false
			default:
				log.WithFields(log.Fields{"connection_id": sess.id, "error": err}).Debug("agent: udp session ended")
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		resp := &wire.UDPPacketResponse{Kind: wire.TypeUDPPacketResponse, ConnectionID: sess.id, Data: data}
		if err := u.client.send(resp); err != nil {
			log.WithFields(log.Fields{"connection_id": sess.id, "error": err}).Warn("agent: failed to relay udp_packet_response")
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(udpSessionIdleTimeout))
	}
}

// closeSession drops the local session. When notify is set (idle
// timeout or local read error, not a server-initiated udp_close) it
// also tells the server so its source-address mapping is dropped too
// (spec §4.6: "either side may send udp_close").
func (u *udpMux) closeSession(id ids.ConnectionID, notify bool) {
	u.mu.Lock()
	sess, ok := u.sessions[id]
	if ok {
		delete(u.sessions, id)
	}
	u.mu.Unlock()
	if !ok {
		return
	}
	close(sess.stop)
	_ = sess.conn.Close()
	if notify {
		if err := u.client.send(wire.NewUDPClose(id)); err != nil {
			log.WithFields(log.Fields{"connection_id": id, "error": err}).Debug("agent: failed to send udp_close")
		}
	}
}

// handleClose drops the local session for a server-initiated udp_close
// without echoing it back.
func (u *udpMux) handleClose(id ids.ConnectionID) {
	u.closeSession(id, false)
}

func (u *udpMux) closeAll() {
	u.mu.Lock()
	live := make([]ids.ConnectionID, 0, len(u.sessions))
	for id := range u.sessions {
		live = append(live, id)
	}
	u.mu.Unlock()
	for _, id := range live {
		u.closeSession(id, false)
	}
}
