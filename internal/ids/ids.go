// Package ids defines the opaque identifier types threaded through the
// control plane and the generators used to mint the ones the core owns.
package ids

import "github.com/google/uuid"

// AgentID identifies an agent, assigned by the catalog.
type AgentID string

// ForwardID identifies a port forward, assigned by the catalog.
type ForwardID string

// ConnectionID identifies one user connection and its twin data
// connection. The server mints these; they must be collision-resistant
// within the process lifetime but carry no external meaning.
type ConnectionID string

// NewConnectionID mints a fresh, globally unique connection id.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New().String())
}
