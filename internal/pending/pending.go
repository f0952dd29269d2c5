// Package pending implements the server-side pending table (spec §3,
// §4.3, §5): a short-lived registry of connection halves waiting for
// their twin data connection to arrive. The central hazard this
// package exists to avoid is the ABA race spec §9 calls out: a timeout
// firing after the same connectionId has already been reused must be a
// no-op, so every removal is a compare-and-delete on pointer identity,
// never on key alone.
package pending

import (
	"net"
	"sync"
	"time"

	"github.com/qiudaomao/node-frp/internal/ids"
)

// Side identifies which half of a connection a Pending entry holds.
type Side int

const (
	// SideUser holds the user-facing socket, awaiting the agent's twin
	// data connection (forward TCP, forward dynamic).
	SideUser Side = iota
	// SideTarget holds a server-side socket already dialed to a
	// reverse-mode target, awaiting the agent's twin data connection.
	SideTarget
)

// Entry is one record in the table.
type Entry struct {
	ID        ids.ConnectionID
	ForwardID ids.ForwardID
	AgentID   ids.AgentID
	Side      Side
	Conn      net.Conn

	mu      sync.Mutex
	timer   *time.Timer
	removed bool
}

func newEntry(id ids.ConnectionID, forwardID ids.ForwardID, agentID ids.AgentID, side Side, conn net.Conn) *Entry {
	return &Entry{
		ID:        id,
		ForwardID: forwardID,
		AgentID:   agentID,
		Side:      side,
		Conn:      conn,
	}
}

// DefaultTimeout is the configurable default from spec §9: "Treat as a
// single configurable default (10s) unless operators override."
const DefaultTimeout = 10 * time.Second

// Table is the pending table. Safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	byID    map[ids.ConnectionID]*Entry
	byAgent map[ids.AgentID]map[ids.ConnectionID]struct{}
}

func NewTable() *Table {
	return &Table{
		byID:    make(map[ids.ConnectionID]*Entry),
		byAgent: make(map[ids.AgentID]map[ids.ConnectionID]struct{}),
	}
}

// Add inserts a new pending entry keyed by id and arms its deadline
// timer. onExpire is invoked exactly once, with the entry, if the
// deadline fires before the entry is removed by any other path; it is
// never invoked if Take or RemoveAllForAgent wins the race first.
func (t *Table) Add(id ids.ConnectionID, forwardID ids.ForwardID, agentID ids.AgentID, side Side, conn net.Conn, timeout time.Duration, onExpire func(*Entry)) *Entry {
	e := newEntry(id, forwardID, agentID, side, conn)

	t.mu.Lock()
	t.byID[id] = e
	if t.byAgent[agentID] == nil {
		t.byAgent[agentID] = make(map[ids.ConnectionID]struct{})
	}
	t.byAgent[agentID][id] = struct{}{}
	t.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	e.timer = time.AfterFunc(timeout, func() {
		if t.removeIfSame(e) {
			onExpire(e)
		}
	})
	return e
}

// Take removes and returns the entry for id if present — this is the
// data-join path (§4.3 step 1: "removes the Pending"). The loser of any
// race with a concurrent timeout or teardown gets ok=false.
func (t *Table) Take(id ids.ConnectionID) (*Entry, bool) {
	t.mu.Lock()
	e, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		if set := t.byAgent[e.AgentID]; set != nil {
			delete(set, id)
		}
	}
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !e.markRemoved() {
		// Already claimed by a concurrent timeout/teardown — it was
		// removed from the map by us just now, but the entry itself
		// had already been logically consumed. Treat as a miss.
		return nil, false
	}
	e.stopTimer()
	return e, true
}

// Peek returns the entry for id without removing it — used by the
// forward-dynamic path to write a SOCKS5 success reply to the waiting
// user socket while the entry still awaits its data-connection twin
// (spec §4.5.3: reply happens on dynamic_ready, pair-piping happens
// later on data_connection).
func (t *Table) Peek(id ids.ConnectionID) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	return e, ok
}

// removeIfSame deletes e from the table only if the map still holds
// this exact entry (pointer identity) under its id — the ABA guard.
func (t *Table) removeIfSame(e *Entry) bool {
	t.mu.Lock()
	cur, ok := t.byID[e.ID]
	if !ok || cur != e {
		t.mu.Unlock()
		return false
	}
	delete(t.byID, e.ID)
	if set := t.byAgent[e.AgentID]; set != nil {
		delete(set, e.ID)
	}
	t.mu.Unlock()
	return e.markRemoved()
}

// markRemoved returns true the first time it's called on e, false on
// every subsequent call — the actual compare-and-delete primitive,
// independent of map membership, so two callers racing on the same
// entry pointer (e.g. Take and a firing timer) can never both win.
func (e *Entry) markRemoved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	e.removed = true
	return true
}

func (e *Entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// RemoveAllForAgent removes and returns every entry owned by agentID —
// used when a control session is torn down (spec §3, §5 "Cancellation").
func (t *Table) RemoveAllForAgent(agentID ids.AgentID) []*Entry {
	t.mu.Lock()
	set := t.byAgent[agentID]
	var out []*Entry
	for id := range set {
		if e, ok := t.byID[id]; ok {
			delete(t.byID, id)
			out = append(out, e)
		}
	}
	delete(t.byAgent, agentID)
	t.mu.Unlock()

	won := out[:0]
	for _, e := range out {
		e.stopTimer()
		if e.markRemoved() {
			won = append(won, e)
		}
	}
	return won
}

// Len reports the number of currently pending entries, for tests and
// diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
