package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/qiudaomao/node-frp/internal/ids"
)

func TestRoundTripHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteMessage(NewHeartbeat()); err != nil {
		t.Fatalf("write: %v", err)
	}

	dec := NewDecoder(&buf)
	cmd, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cmd.Type() != TypeHeartbeat {
		t.Fatalf("got type %q", cmd.Type())
	}
}

func TestDiscardsMalformedLine(t *testing.T) {
	stream := "not json at all\n" + `{"type":"heartbeat"}` + "\n"
	dec := NewDecoder(bytes.NewBufferString(stream))
	cmd, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cmd.Type() != TypeHeartbeat {
		t.Fatalf("expected heartbeat to survive malformed line, got %q", cmd.Type())
	}
}

func TestUnknownTypeSurfacesError(t *testing.T) {
	dec := NewDecoder(bytes.NewBufferString(`{"type":"not_a_real_type"}` + "\n"))
	_, err := dec.ReadMessage()
	if err != ErrUnknownType {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestResidualBytesPreservedAfterDataConnectionLine(t *testing.T) {
	id := ids.ConnectionID("conn-1")
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteMessage(NewDataConnection(id)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf.WriteString("PAYLOAD-BYTES")

	dec := NewDecoder(&buf)
	cmd, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	dc, ok := cmd.(*DataConnection)
	if !ok || dc.ConnectionID != id {
		t.Fatalf("unexpected decoded command: %#v", cmd)
	}

	rest, err := io.ReadAll(dec.Reader())
	if err != nil {
		t.Fatalf("read residual: %v", err)
	}
	if string(rest) != "PAYLOAD-BYTES" {
		t.Fatalf("residual bytes lost or reframed: %q", rest)
	}
}

func TestWritesAreWholeLines(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	_ = enc.WriteMessage(NewHeartbeat())
	_ = enc.WriteMessage(NewHeartbeatAck())

	dec := NewDecoder(&buf)
	first, err := dec.ReadMessage()
	if err != nil || first.Type() != TypeHeartbeat {
		t.Fatalf("first message: %v %v", first, err)
	}
	second, err := dec.ReadMessage()
	if err != nil || second.Type() != TypeHeartbeatAck {
		t.Fatalf("second message: %v %v", second, err)
	}
}
