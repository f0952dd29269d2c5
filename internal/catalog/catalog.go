// Package catalog defines the read-only interface the core consumes
// from the external configuration catalog (spec §6 "Catalog adapter"),
// plus the data model for Agent and Forward (spec §3). The relational
// store backing a real catalog lives outside this module's scope —
// this package only declares the contract and, for tests and the
// cmd/ bootstrap harness, an in-memory implementation.
package catalog

import (
	"time"

	"github.com/qiudaomao/node-frp/internal/ids"
)

// Direction is one of the four forward directions.
type Direction string

const (
	DirectionForward        Direction = "forward"
	DirectionReverse        Direction = "reverse"
	DirectionDynamic        Direction = "dynamic"
	DirectionReverseDynamic Direction = "reverse-dynamic"
)

// Transport is the forward's transport kind.
type Transport string

const (
	TransportTCP    Transport = "tcp"
	TransportUDP    Transport = "udp"
	TransportSOCKS5 Transport = "socks5"
)

// Agent is the catalog's record for one tunneling agent.
type Agent struct {
	ID      ids.AgentID
	Name    string
	Token   string
	Enabled bool
}

// Forward is the catalog's record for one port forward owned by an
// agent, per spec §3.
type Forward struct {
	ID         ids.ForwardID
	AgentID    ids.AgentID
	Name       string
	Direction  Direction
	Transport  Transport
	RemotePort int
	RemoteIP   string
	LocalIP    string
	LocalPort  int
	Enabled    bool
}

// BindsOnServer reports whether this forward's direction causes the
// server to bind a listener for remote_port (spec §3's "directions that
// bind on server").
func (f Forward) BindsOnServer() bool {
	return f.Direction == DirectionForward || f.Direction == DirectionDynamic
}

// Catalog is the read-only interface the core requires (spec §6).
type Catalog interface {
	// GetAgentByToken resolves an auth token to an enabled agent.
	// Returns (nil, nil) if no enabled agent matches.
	GetAgentByToken(token string) (*Agent, error)

	// GetForwardsByAgent returns the enabled forwards owned by an agent,
	// of any direction or transport.
	GetForwardsByAgent(agentID ids.AgentID) ([]Forward, error)

	// IsRemotePortAvailable reports whether remotePort is free among
	// enabled forwards whose direction binds on the server, optionally
	// excluding one forward id from the check (used when validating a
	// forward's own current binding).
	IsRemotePortAvailable(remotePort int, excludeID ids.ForwardID) (bool, error)

	// AppendTraffic records one traffic delta for a forward.
	AppendTraffic(forwardID ids.ForwardID, bytesIn, bytesOut int64, at time.Time) error
}

// Reloader is implemented by the control-plane server. onReload in
// spec §6 is not something the catalog calls into the core with a
// subscription — it is "an external trigger the admin surface calls"
// on the core whenever forwards for an agent change, so the core is
// the one exposing this method, not consuming it.
type Reloader interface {
	OnReload(agentID ids.AgentID)
}
