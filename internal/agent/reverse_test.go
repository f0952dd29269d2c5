package agent

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/qiudaomao/node-frp/internal/ids"
	"github.com/qiudaomao/node-frp/internal/wire"
)

func TestReconcileReverseListenersOpensAndClosesOnChange(t *testing.T) {
	c := newTestClient("unused:0")

	want := []wire.PortForward{{Name: "web", Direction: "reverse", LocalIP: "127.0.0.1", LocalPort: 0}}
	c.reconcileReverseListeners(want)
	if len(c.reverse) != 1 {
		t.Fatalf("expected 1 reverse listener, got %d", len(c.reverse))
	}
	rl, ok := c.reverse["web"]
	if !ok {
		t.Fatal("expected listener keyed by forward name")
	}

	// Reconciling the same forward again must not rebind the listener.
	sameAddr := rl.listener.Addr().String()
	c.reconcileReverseListeners(want)
	if c.reverse["web"].listener.Addr().String() != sameAddr {
		t.Fatal("reconcile rebound an unchanged reverse listener")
	}

	// Removing the forward closes the listener.
	c.reconcileReverseListeners(nil)
	if len(c.reverse) != 0 {
		t.Fatalf("expected reverse listeners cleared, got %d", len(c.reverse))
	}
	if _, err := net.Dial("tcp", sameAddr); err == nil {
		t.Fatal("expected closed reverse listener to refuse new connections")
	}
}

// withControlPipe wires c.conn/enc/dec to one end of a net.Pipe and
// drains every message the client sends on it, handing each to onSend.
// Reverse accept handlers send reverse_connection/reverse_dynamic over
// the control connection before awaiting the server's outcome, so
// tests need a live reader on the other end or the synchronous
// net.Pipe write blocks forever.
func withControlPipe(t *testing.T, c *Client, onSend func(wire.Command)) (teardown func()) {
	ctrlA, ctrlB := net.Pipe()
	c.conn = ctrlA
	c.enc = wire.NewEncoder(ctrlA)
	c.dec = wire.NewDecoder(ctrlA)

	go func() {
		dec := wire.NewDecoder(ctrlB)
		for {
			cmd, err := dec.ReadMessage()
			if err != nil {
				return
			}
			if onSend != nil {
				onSend(cmd)
			}
		}
	}()

	return func() {
		_ = ctrlA.Close()
		_ = ctrlB.Close()
	}
}

func waitForPendingID(t *testing.T, c *Client) ids.ConnectionID {
	for i := 0; i < 200; i++ {
		c.pendingMu.Lock()
		for id := range c.pending {
			c.pendingMu.Unlock()
			return id
		}
		c.pendingMu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no pending reverse request registered in time")
	return ""
}

func TestHandleReverseAcceptSplicesOnReadyOutcome(t *testing.T) {
	c := newTestClient("unused:0")
	teardown := withControlPipe(t, c, nil)
	defer teardown()

	srv := newFakeServer(t)
	defer srv.ln.Close()
	c.ServerAddr = srv.addr()

	caller, conn := net.Pipe()
	defer caller.Close()

	go c.handleReverseAccept(wire.PortForward{Name: "web"}, conn)

	id := waitForPendingID(t, c)
	c.resolveReverse(id, reverseOutcome{ok: true})

	dataConn, cmd := srv.acceptFirstMessage(t)
	defer dataConn.Close()
	dc, ok := cmd.(*wire.DataConnection)
	if !ok || dc.ConnectionID != id {
		t.Fatalf("expected data_connection for %s, got %+v", id, cmd)
	}

	if _, err := dataConn.Write([]byte("abcd")); err != nil {
		t.Fatalf("write to data conn: %v", err)
	}
	buf := make([]byte, 4)
	_ = caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(caller, buf); err != nil {
		t.Fatalf("read spliced bytes at caller: %v", err)
	}
	if string(buf) != "abcd" {
		t.Fatalf("unexpected spliced payload: %q", buf)
	}
}

func TestHandleReverseAcceptClosesCallerOnFailure(t *testing.T) {
	c := newTestClient("unused:0")
	teardown := withControlPipe(t, c, nil)
	defer teardown()

	caller, conn := net.Pipe()
	defer caller.Close()

	go c.handleReverseAccept(wire.PortForward{Name: "web"}, conn)

	id := waitForPendingID(t, c)
	c.resolveReverse(id, reverseOutcome{ok: false, err: "no route"})

	buf := make([]byte, 1)
	_ = caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := caller.Read(buf); err == nil {
		t.Fatal("expected caller connection to be closed after reverse failure")
	}
}

func TestHandleReverseDynamicAcceptNegotiatesThenSplices(t *testing.T) {
	c := newTestClient("unused:0")
	teardown := withControlPipe(t, c, nil)
	defer teardown()

	srv := newFakeServer(t)
	defer srv.ln.Close()
	c.ServerAddr = srv.addr()

	caller, conn := net.Pipe()
	defer caller.Close()

	go c.handleReverseDynamicAccept(wire.PortForward{Name: "socks", Direction: "reverse-dynamic"}, conn)

	// Drive the SOCKS5 negotiation from the caller side of the pipe:
	// no-auth greeting, then a CONNECT to 127.0.0.1:8080.
	if _, err := caller.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write socks5 greeting: %v", err)
	}
	_ = caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	greetingReply := make([]byte, 2)
	if _, err := io.ReadFull(caller, greetingReply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if greetingReply[0] != 0x05 || greetingReply[1] != 0x00 {
		t.Fatalf("unexpected socks5 greeting reply: %v", greetingReply)
	}

	connectReq := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90}
	if _, err := caller.Write(connectReq); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	id := waitForPendingID(t, c)
	c.resolveReverse(id, reverseOutcome{ok: true})

	connectReply := make([]byte, 10)
	if _, err := io.ReadFull(caller, connectReply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if connectReply[1] != 0x00 {
		t.Fatalf("expected socks5 success reply, got rep=%d", connectReply[1])
	}

	dataConn, cmd := srv.acceptFirstMessage(t)
	defer dataConn.Close()
	if dc, ok := cmd.(*wire.DataConnection); !ok || dc.ConnectionID != id {
		t.Fatalf("expected data_connection for %s, got %+v", id, cmd)
	}
}

func TestHandleReverseDynamicAcceptWritesFailureReply(t *testing.T) {
	c := newTestClient("unused:0")
	teardown := withControlPipe(t, c, nil)
	defer teardown()

	caller, conn := net.Pipe()
	defer caller.Close()

	go c.handleReverseDynamicAccept(wire.PortForward{Name: "socks", Direction: "reverse-dynamic"}, conn)

	if _, err := caller.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write socks5 greeting: %v", err)
	}
	_ = caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	greetingReply := make([]byte, 2)
	if _, err := io.ReadFull(caller, greetingReply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}

	connectReq := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90}
	if _, err := caller.Write(connectReq); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	id := waitForPendingID(t, c)
	c.resolveReverse(id, reverseOutcome{ok: false, err: "target unreachable"})

	connectReply := make([]byte, 10)
	if _, err := io.ReadFull(caller, connectReply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if connectReply[1] == 0x00 {
		t.Fatal("expected socks5 failure reply, got success")
	}
}

func TestAddrJoinsLocalIPAndPort(t *testing.T) {
	f := wire.PortForward{LocalIP: "127.0.0.1", LocalPort: 8080}
	got := addr(f)
	want := net.JoinHostPort("127.0.0.1", strconv.Itoa(8080))
	if got != want {
		t.Fatalf("addr() = %q, want %q", got, want)
	}
}
