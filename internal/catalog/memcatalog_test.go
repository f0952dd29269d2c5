package catalog

import "testing"

func TestIsRemotePortAvailableExcludesOwnForward(t *testing.T) {
	cat := NewMemCatalog()
	cat.PutForward(Forward{ID: "f1", AgentID: "a1", Name: "svc", Direction: DirectionForward,
		Transport: TransportTCP, RemotePort: 9000, Enabled: true})

	if ok, err := cat.IsRemotePortAvailable(9000, "f1"); err != nil || !ok {
		t.Fatalf("expected port 9000 available when excluding its own forward, got ok=%v err=%v", ok, err)
	}
	if ok, err := cat.IsRemotePortAvailable(9000, "other"); err != nil || ok {
		t.Fatalf("expected port 9000 unavailable when not excluded, got ok=%v err=%v", ok, err)
	}
}

func TestIsRemotePortAvailableIgnoresDisabledAndNonBindingForwards(t *testing.T) {
	cat := NewMemCatalog()
	cat.PutForward(Forward{ID: "f1", AgentID: "a1", Name: "disabled", Direction: DirectionForward,
		Transport: TransportTCP, RemotePort: 9000, Enabled: false})
	cat.PutForward(Forward{ID: "f2", AgentID: "a1", Name: "reverse", Direction: DirectionReverse,
		Transport: TransportTCP, RemotePort: 9000, Enabled: true})

	if ok, err := cat.IsRemotePortAvailable(9000, "other"); err != nil || !ok {
		t.Fatalf("expected port 9000 available (disabled + non-binding forwards don't count), got ok=%v err=%v", ok, err)
	}
}

func TestIsRemotePortAvailableDetectsCrossAgentConflict(t *testing.T) {
	cat := NewMemCatalog()
	cat.PutForward(Forward{ID: "f1", AgentID: "a1", Name: "svc", Direction: DirectionForward,
		Transport: TransportTCP, RemotePort: 9000, Enabled: true})
	cat.PutForward(Forward{ID: "f2", AgentID: "a2", Name: "svc", Direction: DirectionForward,
		Transport: TransportTCP, RemotePort: 9000, Enabled: true})

	ok, err := cat.IsRemotePortAvailable(9000, "f2")
	if err != nil || ok {
		t.Fatalf("expected port 9000 unavailable due to a1's f1, got ok=%v err=%v", ok, err)
	}
}
