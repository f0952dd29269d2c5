package control

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/qiudaomao/node-frp/internal/catalog"
	"github.com/qiudaomao/node-frp/internal/trafficmeter"
)

func newTestServer(t *testing.T, cat catalog.Catalog) (*Server, net.Listener) {
	t.Helper()
	meter := trafficmeter.New(cat, time.Hour)
	srv := New(cat, meter)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	go srv.Serve(ctx, ln)
	return srv, ln
}

func readLine(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(line, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return m
}

func writeLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// TestForwardTCPHappyPath exercises spec §8 scenario 1: an agent with
// one forward-TCP forward authenticates, a user connects to the bound
// remote_port, and the control-plane handshake culminates in a spliced
// pair-pipe.
func TestForwardTCPHappyPath(t *testing.T) {
	cat := catalog.NewMemCatalog()
	cat.PutAgent(catalog.Agent{ID: "a1", Token: "T", Enabled: true})
	cat.PutForward(catalog.Forward{
		ID: "f1", AgentID: "a1", Name: "ssh", Direction: catalog.DirectionForward,
		Transport: catalog.TransportTCP, RemotePort: freeTCPPort(t), LocalIP: "127.0.0.1", LocalPort: 0, Enabled: true,
	})
	forwards, _ := cat.GetForwardsByAgent("a1")
	remotePort := forwards[0].RemotePort

	_, ln := newTestServer(t, cat)

	agentConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("agent dial: %v", err)
	}
	defer agentConn.Close()
	agentR := bufio.NewReader(agentConn)

	writeLine(t, agentConn, map[string]string{"type": "control_handshake", "token": "T"})
	resp := readLine(t, agentR)
	if resp["type"] != "auth_response" || resp["success"] != true {
		t.Fatalf("unexpected auth_response: %+v", resp)
	}

	userConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(remotePort)))
	if err != nil {
		t.Fatalf("user dial: %v", err)
	}
	defer userConn.Close()

	nc := readLine(t, agentR)
	if nc["type"] != "new_connection" {
		t.Fatalf("expected new_connection, got %+v", nc)
	}
	connID := nc["connectionId"].(string)

	dataConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("data dial: %v", err)
	}
	defer dataConn.Close()
	writeLine(t, dataConn, map[string]string{"type": "data_connection", "connectionId": connID})

	if _, err := userConn.Write([]byte("HELLO\n")); err != nil {
		t.Fatalf("user write: %v", err)
	}

	buf := make([]byte, 16)
	dataConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := dataConn.Read(buf)
	if err != nil || string(buf[:n]) != "HELLO\n" {
		t.Fatalf("expected HELLO on data connection, got %q err=%v", buf[:n], err)
	}

	if _, err := dataConn.Write([]byte("WORLD\n")); err != nil {
		t.Fatalf("data write: %v", err)
	}
	userConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = userConn.Read(buf)
	if err != nil || string(buf[:n]) != "WORLD\n" {
		t.Fatalf("expected WORLD on user connection, got %q err=%v", buf[:n], err)
	}
}

// TestForwardDynamicSOCKS5HappyPath exercises spec §8 scenario 3: an
// agent with one forward-dynamic forward authenticates, a SOCKS5
// client connects to the bound remote_port and negotiates a CONNECT,
// and the control-plane handshake culminates in a spliced pair-pipe
// carrying the client's post-CONNECT bytes to the agent's data
// connection and back.
func TestForwardDynamicSOCKS5HappyPath(t *testing.T) {
	cat := catalog.NewMemCatalog()
	cat.PutAgent(catalog.Agent{ID: "a1", Token: "T", Enabled: true})
	cat.PutForward(catalog.Forward{
		ID: "f1", AgentID: "a1", Name: "socks", Direction: catalog.DirectionDynamic,
		Transport: catalog.TransportTCP, RemotePort: freeTCPPort(t), Enabled: true,
	})
	forwards, _ := cat.GetForwardsByAgent("a1")
	remotePort := forwards[0].RemotePort

	_, ln := newTestServer(t, cat)

	agentConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("agent dial: %v", err)
	}
	defer agentConn.Close()
	agentR := bufio.NewReader(agentConn)

	writeLine(t, agentConn, map[string]string{"type": "control_handshake", "token": "T"})
	resp := readLine(t, agentR)
	if resp["type"] != "auth_response" || resp["success"] != true {
		t.Fatalf("unexpected auth_response: %+v", resp)
	}

	userConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(remotePort)))
	if err != nil {
		t.Fatalf("user dial: %v", err)
	}
	defer userConn.Close()

	if _, err := userConn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write socks5 greeting: %v", err)
	}
	var sel [2]byte
	userConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := userConn.Read(sel[:]); err != nil || sel != [2]byte{0x05, 0x00} {
		t.Fatalf("unexpected method selection: %v err=%v", sel, err)
	}

	host := "example.com"
	connect := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	connect = append(connect, host...)
	connect = append(connect, 0x01, 0xBB) // port 443
	if _, err := userConn.Write(connect); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	dc := readLine(t, agentR)
	if dc["type"] != "dynamic_connection" || dc["targetHost"] != host || dc["targetPort"] != float64(443) {
		t.Fatalf("unexpected dynamic_connection: %+v", dc)
	}
	connID := dc["connectionId"].(string)

	writeLine(t, agentConn, map[string]string{"type": "dynamic_ready", "connectionId": connID})

	var reply [10]byte
	userConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(userConn, reply[:]); err != nil || reply[1] != 0x00 {
		t.Fatalf("expected socks5 success reply, got % x err=%v", reply, err)
	}

	dataConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("data dial: %v", err)
	}
	defer dataConn.Close()
	writeLine(t, dataConn, map[string]string{"type": "data_connection", "connectionId": connID})

	if _, err := userConn.Write([]byte("GET /\n")); err != nil {
		t.Fatalf("user write: %v", err)
	}
	buf := make([]byte, 16)
	dataConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := dataConn.Read(buf)
	if err != nil || string(buf[:n]) != "GET /\n" {
		t.Fatalf("expected GET / on data connection, got %q err=%v", buf[:n], err)
	}

	if _, err := dataConn.Write([]byte("200 OK\n")); err != nil {
		t.Fatalf("data write: %v", err)
	}
	userConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = userConn.Read(buf)
	if err != nil || string(buf[:n]) != "200 OK\n" {
		t.Fatalf("expected 200 OK on user connection, got %q err=%v", buf[:n], err)
	}
}

// TestRegisterMessageRejectsAndClosesSession exercises spec §4.2's
// AUTHENTICATED-state handler for the legacy `register` message:
// unlike a genuinely unknown type, it must destroy the session rather
// than log and continue.
func TestRegisterMessageRejectsAndClosesSession(t *testing.T) {
	cat := catalog.NewMemCatalog()
	cat.PutAgent(catalog.Agent{ID: "a1", Token: "T", Enabled: true})

	_, ln := newTestServer(t, cat)

	agentConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("agent dial: %v", err)
	}
	defer agentConn.Close()
	agentR := bufio.NewReader(agentConn)

	writeLine(t, agentConn, map[string]string{"type": "control_handshake", "token": "T"})
	if resp := readLine(t, agentR); resp["success"] != true {
		t.Fatalf("auth failed: %+v", resp)
	}

	writeLine(t, agentConn, map[string]string{"type": "register"})

	agentConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := agentConn.Read(buf); err == nil {
		t.Fatal("expected server to close the session after a register message")
	}
}

// TestPortConflictLeavesFirstAgentServing exercises spec §8 scenario 2:
// two agents' forwards collide on remote_port; the first binds, the
// second is left dormant, and the first keeps serving.
func TestPortConflictLeavesFirstAgentServing(t *testing.T) {
	cat := catalog.NewMemCatalog()
	port := freeTCPPort(t)
	cat.PutAgent(catalog.Agent{ID: "a1", Token: "T1", Enabled: true})
	cat.PutAgent(catalog.Agent{ID: "a2", Token: "T2", Enabled: true})
	cat.PutForward(catalog.Forward{ID: "f1", AgentID: "a1", Name: "svc", Direction: catalog.DirectionForward,
		Transport: catalog.TransportTCP, RemotePort: port, LocalIP: "127.0.0.1", LocalPort: 1, Enabled: true})
	cat.PutForward(catalog.Forward{ID: "f2", AgentID: "a2", Name: "svc", Direction: catalog.DirectionForward,
		Transport: catalog.TransportTCP, RemotePort: port, LocalIP: "127.0.0.1", LocalPort: 1, Enabled: true})

	_, ln := newTestServer(t, cat)

	connA, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer connA.Close()
	rA := bufio.NewReader(connA)
	writeLine(t, connA, map[string]string{"type": "control_handshake", "token": "T1"})
	if resp := readLine(t, rA); resp["success"] != true {
		t.Fatalf("agent A auth failed: %+v", resp)
	}
	// Give agent A's handleConn goroutine time to run listenermgr.Reconcile
	// and bind the port before agent B's handshake can race it.
	time.Sleep(100 * time.Millisecond)

	connB, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer connB.Close()
	rB := bufio.NewReader(connB)
	writeLine(t, connB, map[string]string{"type": "control_handshake", "token": "T2"})
	if resp := readLine(t, rB); resp["success"] != true {
		t.Fatalf("agent B auth failed: %+v", resp)
	}

	time.Sleep(100 * time.Millisecond)

	userConn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		t.Fatalf("expected agent A's listener still serving :%d: %v", port, err)
	}
	defer userConn.Close()

	nc := readLine(t, rA)
	if nc["type"] != "new_connection" {
		t.Fatalf("expected agent A to receive the connection, got %+v", nc)
	}
}

// TestHeartbeatTimeoutClosesSession exercises spec §8 scenario 5: an
// agent that stops sending heartbeat past the deadline is disconnected.
func TestHeartbeatTimeoutClosesSession(t *testing.T) {
	old := HeartbeatDeadline
	HeartbeatDeadline = 200 * time.Millisecond
	defer func() { HeartbeatDeadline = old }()

	cat := catalog.NewMemCatalog()
	cat.PutAgent(catalog.Agent{ID: "a1", Token: "T", Enabled: true})

	_, ln := newTestServer(t, cat)

	agentConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("agent dial: %v", err)
	}
	defer agentConn.Close()
	agentR := bufio.NewReader(agentConn)

	writeLine(t, agentConn, map[string]string{"type": "control_handshake", "token": "T"})
	if resp := readLine(t, agentR); resp["success"] != true {
		t.Fatalf("auth failed: %+v", resp)
	}

	// Send nothing further; the server's read deadline should expire
	// and close the connection well within a couple of heartbeat
	// deadlines.
	agentConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := agentConn.Read(buf); err == nil {
		t.Fatal("expected server to close the connection after the heartbeat deadline")
	}
}

// TestConfigReloadPushesUpdateMidSession exercises spec §8 scenario 6:
// a catalog change for an already-connected agent is pushed to it as
// config_update without requiring a reconnect.
func TestConfigReloadPushesUpdateMidSession(t *testing.T) {
	cat := catalog.NewMemCatalog()
	cat.PutAgent(catalog.Agent{ID: "a1", Token: "T", Enabled: true})

	srv, ln := newTestServer(t, cat)

	agentConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("agent dial: %v", err)
	}
	defer agentConn.Close()
	agentR := bufio.NewReader(agentConn)

	writeLine(t, agentConn, map[string]string{"type": "control_handshake", "token": "T"})
	resp := readLine(t, agentR)
	if resp["success"] != true {
		t.Fatalf("auth failed: %+v", resp)
	}
	if pf, ok := resp["portForwards"].([]interface{}); ok && len(pf) != 0 {
		t.Fatalf("expected no forwards before reload, got %+v", pf)
	}

	cat.PutForward(catalog.Forward{
		ID: "f1", AgentID: "a1", Name: "ssh", Direction: catalog.DirectionForward,
		Transport: catalog.TransportTCP, RemotePort: freeTCPPort(t), LocalIP: "127.0.0.1", LocalPort: 22, Enabled: true,
	})
	srv.OnReload("a1")

	upd := readLine(t, agentR)
	if upd["type"] != "config_update" {
		t.Fatalf("expected config_update, got %+v", upd)
	}
	pf, ok := upd["portForwards"].([]interface{})
	if !ok || len(pf) != 1 {
		t.Fatalf("expected one forward in config_update, got %+v", upd["portForwards"])
	}
	entry := pf[0].(map[string]interface{})
	if entry["name"] != "ssh" {
		t.Fatalf("unexpected forward name in config_update: %+v", entry)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeTCPPort: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}
