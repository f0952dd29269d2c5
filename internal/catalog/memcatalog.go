package catalog

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qiudaomao/node-frp/internal/ids"
)

// TrafficRecord is one appended traffic delta, kept only so tests and
// the cmd/ demo harness can inspect what was flushed.
type TrafficRecord struct {
	ForwardID ids.ForwardID
	BytesIn   int64
	BytesOut  int64
	At        time.Time
}

// MemCatalog is an in-memory Catalog used by the cmd/ bootstrap
// harness and by tests. It is demo/test scaffolding standing in for
// the relational store spec.md places out of scope — it never persists
// to disk and is safe for concurrent use.
type MemCatalog struct {
	mu       sync.RWMutex
	agents   map[ids.AgentID]Agent
	byToken  map[string]ids.AgentID
	forwards map[ids.AgentID][]Forward
	traffic  []TrafficRecord
}

func NewMemCatalog() *MemCatalog {
	return &MemCatalog{
		agents:   make(map[ids.AgentID]Agent),
		byToken:  make(map[string]ids.AgentID),
		forwards: make(map[ids.AgentID][]Forward),
	}
}

func (c *MemCatalog) PutAgent(a Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[a.ID] = a
	if a.Token != "" {
		c.byToken[a.Token] = a.ID
	}
}

func (c *MemCatalog) PutForward(f Forward) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.forwards[f.AgentID]
	for i, existing := range list {
		if existing.ID == f.ID {
			list[i] = f
			c.forwards[f.AgentID] = list
			return
		}
	}
	c.forwards[f.AgentID] = append(list, f)
}

func (c *MemCatalog) GetAgentByToken(token string) (*Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byToken[token]
	if !ok {
		return nil, nil
	}
	a, ok := c.agents[id]
	if !ok || !a.Enabled {
		return nil, nil
	}
	cp := a
	return &cp, nil
}

func (c *MemCatalog) GetForwardsByAgent(agentID ids.AgentID) ([]Forward, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Forward
	for _, f := range c.forwards[agentID] {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out, nil
}

func (c *MemCatalog) IsRemotePortAvailable(remotePort int, excludeID ids.ForwardID) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, list := range c.forwards {
		for _, f := range list {
			if !f.Enabled || !f.BindsOnServer() {
				continue
			}
			if f.ID == excludeID {
				continue
			}
			if f.RemotePort == remotePort {
				return false, nil
			}
		}
	}
	return true, nil
}

func (c *MemCatalog) AppendTraffic(forwardID ids.ForwardID, bytesIn, bytesOut int64, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.WithFields(log.Fields{
		"forward_id": forwardID,
		"bytes_in":   bytesIn,
		"bytes_out":  bytesOut,
	}).Debug("catalog: appended traffic record")
	c.traffic = append(c.traffic, TrafficRecord{ForwardID: forwardID, BytesIn: bytesIn, BytesOut: bytesOut, At: at})
	return nil
}

// Traffic returns a snapshot of every record appended so far, for tests.
func (c *MemCatalog) Traffic() []TrafficRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TrafficRecord, len(c.traffic))
	copy(out, c.traffic)
	return out
}
