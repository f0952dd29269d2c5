// Package wire defines the control-plane message catalog and the
// newline-delimited JSON codec used to move it between server and
// agent. Every message carries a "type" discriminator, mirroring the
// teacher's type-tagged protocol.Command catalog but swapped from a
// length-prefixed binary frame to the plaintext line-oriented wire
// format this system specifies.
package wire

import (
	"github.com/qiudaomao/node-frp/internal/ids"
)

// Command is any message that can travel over the control channel.
type Command interface {
	Type() string
}

const (
	TypeControlHandshake      = "control_handshake"
	TypeDataConnection        = "data_connection"
	TypeHeartbeat             = "heartbeat"
	TypeReverseConnection     = "reverse_connection"
	TypeReverseDynamic        = "reverse_dynamic"
	TypeDynamicReady          = "dynamic_ready"
	TypeDynamicFailed         = "dynamic_failed"
	TypeUDPPacketResponse     = "udp_packet_response"
	TypeUDPClose              = "udp_close"
	TypeAuthResponse          = "auth_response"
	TypeConfigUpdate          = "config_update"
	TypeNewConnection         = "new_connection"
	TypeDynamicConnection     = "dynamic_connection"
	TypeReverseReady          = "reverse_ready"
	TypeReverseFailed         = "reverse_failed"
	TypeReverseDynamicReady   = "reverse_dynamic_ready"
	TypeReverseDynamicFailed  = "reverse_dynamic_failed"
	TypeUDPPacket             = "udp_packet"
	TypeHeartbeatAck          = "heartbeat_ack"
	TypeRegister              = "register" // legacy, rejected by the server
)

// PortForward is the shape of one forward as pushed to the agent, per
// spec §6: "portForwards[i] shape consumed by the agent".
type PortForward struct {
	Name       string `json:"name"`
	Direction  string `json:"direction"`
	ProxyType  string `json:"proxyType"`
	RemotePort int    `json:"remotePort"`
	RemoteIP   string `json:"remoteIp"`
	LocalIP    string `json:"localIp"`
	LocalPort  int    `json:"localPort"`
}

// --- Agent -> Server ---

type ControlHandshake struct {
	Kind  string `json:"type"`
	Token string `json:"token"`
}

func NewControlHandshake(token string) *ControlHandshake {
	return &ControlHandshake{Kind: TypeControlHandshake, Token: token}
}
func (m *ControlHandshake) Type() string { return TypeControlHandshake }

type DataConnection struct {
	Kind         string         `json:"type"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
}

func NewDataConnection(id ids.ConnectionID) *DataConnection {
	return &DataConnection{Kind: TypeDataConnection, ConnectionID: id}
}
func (m *DataConnection) Type() string { return TypeDataConnection }

// Register is the legacy self-registration message (spec §4.2:
// "register → rejected; forwards are catalog-driven"). Decoded to its
// own concrete type so the server can reject it explicitly rather than
// folding it into the generic unknown-type, log-and-continue path.
type Register struct {
	Kind string `json:"type"`
}

func (m *Register) Type() string { return TypeRegister }

type Heartbeat struct {
	Kind string `json:"type"`
}

func NewHeartbeat() *Heartbeat { return &Heartbeat{Kind: TypeHeartbeat} }
func (m *Heartbeat) Type() string { return TypeHeartbeat }

type ReverseConnection struct {
	Kind         string         `json:"type"`
	ProxyName    string         `json:"proxyName"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
}

func NewReverseConnection(proxyName string, id ids.ConnectionID) *ReverseConnection {
	return &ReverseConnection{Kind: TypeReverseConnection, ProxyName: proxyName, ConnectionID: id}
}
func (m *ReverseConnection) Type() string { return TypeReverseConnection }

type ReverseDynamic struct {
	Kind         string         `json:"type"`
	ProxyName    string         `json:"proxyName"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
	TargetHost   string         `json:"targetHost"`
	TargetPort   int            `json:"targetPort"`
}

func (m *ReverseDynamic) Type() string { return TypeReverseDynamic }

type DynamicReady struct {
	Kind         string         `json:"type"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
}

func NewDynamicReady(id ids.ConnectionID) *DynamicReady {
	return &DynamicReady{Kind: TypeDynamicReady, ConnectionID: id}
}
func (m *DynamicReady) Type() string { return TypeDynamicReady }

type DynamicFailed struct {
	Kind         string         `json:"type"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
	Error        string         `json:"error"`
}

func NewDynamicFailed(id ids.ConnectionID, err string) *DynamicFailed {
	return &DynamicFailed{Kind: TypeDynamicFailed, ConnectionID: id, Error: err}
}
func (m *DynamicFailed) Type() string { return TypeDynamicFailed }

type UDPPacketResponse struct {
	Kind         string         `json:"type"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
	Data         []byte         `json:"data"`
}

func (m *UDPPacketResponse) Type() string { return TypeUDPPacketResponse }

type UDPClose struct {
	Kind         string         `json:"type"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
}

func NewUDPClose(id ids.ConnectionID) *UDPClose { return &UDPClose{Kind: TypeUDPClose, ConnectionID: id} }
func (m *UDPClose) Type() string { return TypeUDPClose }

// --- Server -> Agent ---

type AuthResponse struct {
	Kind         string        `json:"type"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	PortForwards []PortForward `json:"portForwards,omitempty"`
}

func (m *AuthResponse) Type() string { return TypeAuthResponse }

type ConfigUpdate struct {
	Kind         string        `json:"type"`
	PortForwards []PortForward `json:"portForwards"`
}

func NewConfigUpdate(pf []PortForward) *ConfigUpdate {
	return &ConfigUpdate{Kind: TypeConfigUpdate, PortForwards: pf}
}
func (m *ConfigUpdate) Type() string { return TypeConfigUpdate }

type NewConnection struct {
	Kind         string         `json:"type"`
	ProxyName    string         `json:"proxyName"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
}

func NewNewConnection(proxyName string, id ids.ConnectionID) *NewConnection {
	return &NewConnection{Kind: TypeNewConnection, ProxyName: proxyName, ConnectionID: id}
}
func (m *NewConnection) Type() string { return TypeNewConnection }

type DynamicConnection struct {
	Kind         string         `json:"type"`
	ProxyName    string         `json:"proxyName"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
	TargetHost   string         `json:"targetHost"`
	TargetPort   int            `json:"targetPort"`
}

func NewDynamicConnection(proxyName string, id ids.ConnectionID, host string, port int) *DynamicConnection {
	return &DynamicConnection{Kind: TypeDynamicConnection, ProxyName: proxyName, ConnectionID: id, TargetHost: host, TargetPort: port}
}
func (m *DynamicConnection) Type() string { return TypeDynamicConnection }

type ReverseReady struct {
	Kind         string         `json:"type"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
}

func NewReverseReady(id ids.ConnectionID) *ReverseReady { return &ReverseReady{Kind: TypeReverseReady, ConnectionID: id} }
func (m *ReverseReady) Type() string { return TypeReverseReady }

type ReverseFailed struct {
	Kind         string         `json:"type"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
	Error        string         `json:"error"`
}

func NewReverseFailed(id ids.ConnectionID, err string) *ReverseFailed {
	return &ReverseFailed{Kind: TypeReverseFailed, ConnectionID: id, Error: err}
}
func (m *ReverseFailed) Type() string { return TypeReverseFailed }

type ReverseDynamicReady struct {
	Kind         string         `json:"type"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
}

func NewReverseDynamicReady(id ids.ConnectionID) *ReverseDynamicReady {
	return &ReverseDynamicReady{Kind: TypeReverseDynamicReady, ConnectionID: id}
}
func (m *ReverseDynamicReady) Type() string { return TypeReverseDynamicReady }

type ReverseDynamicFailed struct {
	Kind         string         `json:"type"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
	Error        string         `json:"error"`
}

func NewReverseDynamicFailed(id ids.ConnectionID, err string) *ReverseDynamicFailed {
	return &ReverseDynamicFailed{Kind: TypeReverseDynamicFailed, ConnectionID: id, Error: err}
}
func (m *ReverseDynamicFailed) Type() string { return TypeReverseDynamicFailed }

type UDPPacket struct {
	Kind         string         `json:"type"`
	ConnectionID ids.ConnectionID `json:"connectionId"`
	Data         []byte         `json:"data"`
	TargetHost   string         `json:"targetHost"`
	TargetPort   int            `json:"targetPort"`
	ProxyName    string         `json:"proxyName"`
}

func (m *UDPPacket) Type() string { return TypeUDPPacket }

type HeartbeatAck struct {
	Kind string `json:"type"`
}

func NewHeartbeatAck() *HeartbeatAck { return &HeartbeatAck{Kind: TypeHeartbeatAck} }
func (m *HeartbeatAck) Type() string { return TypeHeartbeatAck }

// init populates the default Registry with every known message type
// so decoding works out of the box.
func init() {
	DefaultRegistry.Register(TypeControlHandshake, &ControlHandshake{})
	DefaultRegistry.Register(TypeDataConnection, &DataConnection{})
	DefaultRegistry.Register(TypeHeartbeat, &Heartbeat{})
	DefaultRegistry.Register(TypeReverseConnection, &ReverseConnection{})
	DefaultRegistry.Register(TypeReverseDynamic, &ReverseDynamic{})
	DefaultRegistry.Register(TypeDynamicReady, &DynamicReady{})
	DefaultRegistry.Register(TypeDynamicFailed, &DynamicFailed{})
	DefaultRegistry.Register(TypeUDPPacketResponse, &UDPPacketResponse{})
	DefaultRegistry.Register(TypeUDPClose, &UDPClose{})
	DefaultRegistry.Register(TypeAuthResponse, &AuthResponse{})
	DefaultRegistry.Register(TypeConfigUpdate, &ConfigUpdate{})
	DefaultRegistry.Register(TypeNewConnection, &NewConnection{})
	DefaultRegistry.Register(TypeDynamicConnection, &DynamicConnection{})
	DefaultRegistry.Register(TypeReverseReady, &ReverseReady{})
	DefaultRegistry.Register(TypeReverseFailed, &ReverseFailed{})
	DefaultRegistry.Register(TypeReverseDynamicReady, &ReverseDynamicReady{})
	DefaultRegistry.Register(TypeReverseDynamicFailed, &ReverseDynamicFailed{})
	DefaultRegistry.Register(TypeUDPPacket, &UDPPacket{})
	DefaultRegistry.Register(TypeHeartbeatAck, &HeartbeatAck{})
	DefaultRegistry.Register(TypeRegister, &Register{})
}
