// Package trafficmeter implements the traffic metering module (spec
// §3, §4.7): per-forward byte counters accumulated in memory and
// flushed to the catalog on a timer, so a busy forward never takes the
// catalog's write path on every packet.
package trafficmeter

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qiudaomao/node-frp/internal/catalog"
	"github.com/qiudaomao/node-frp/internal/ids"
)

// DefaultFlushInterval is how often accumulated counters are flushed
// to the catalog (spec §4.7: "periodic flusher, default 30s").
const DefaultFlushInterval = 30 * time.Second

type counter struct {
	in  int64
	out int64
}

// Meter accumulates traffic counters per forward and periodically
// flushes nonzero deltas to a catalog.Catalog.
type Meter struct {
	cat      catalog.Catalog
	interval time.Duration

	mu       sync.Mutex
	counters map[ids.ForwardID]*counter

	stop chan struct{}
	done chan struct{}
}

// New constructs a Meter. interval <= 0 uses DefaultFlushInterval.
func New(cat catalog.Catalog, interval time.Duration) *Meter {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Meter{
		cat:      cat,
		interval: interval,
		counters: make(map[ids.ForwardID]*counter),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddIn records bytes flowing from the user side to the target side of
// a netpipe.Splice: from the external user toward the agent for forward
// TCP and forward dynamic, and from the agent-side user toward the
// server-dialed target for reverse and reverse dynamic.
func (m *Meter) AddIn(forwardID ids.ForwardID, n int64) {
	if n == 0 {
		return
	}
	m.counterFor(forwardID).addIn(n)
}

// AddOut records bytes flowing the opposite direction from AddIn.
func (m *Meter) AddOut(forwardID ids.ForwardID, n int64) {
	if n == 0 {
		return
	}
	m.counterFor(forwardID).addOut(n)
}

func (c *counter) addIn(n int64)  { atomic.AddInt64(&c.in, n) }
func (c *counter) addOut(n int64) { atomic.AddInt64(&c.out, n) }

func (m *Meter) counterFor(forwardID ids.ForwardID) *counter {
	m.mu.Lock()
	c, ok := m.counters[forwardID]
	if !ok {
		c = &counter{}
		m.counters[forwardID] = c
	}
	m.mu.Unlock()
	return c
}

// Run starts the periodic flusher. It blocks until Stop is called, so
// callers should run it in its own goroutine.
func (m *Meter) Run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flush()
		case <-m.stop:
			m.flush()
			return
		}
	}
}

// Stop halts the flusher after one final best-effort flush.
func (m *Meter) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Meter) flush() {
	now := time.Now()

	m.mu.Lock()
	snapshot := make(map[ids.ForwardID]counter, len(m.counters))
	for id, c := range m.counters {
		in := atomic.SwapInt64(&c.in, 0)
		out := atomic.SwapInt64(&c.out, 0)
		if in != 0 || out != 0 {
			snapshot[id] = counter{in: in, out: out}
		}
	}
	m.mu.Unlock()

	for id, c := range snapshot {
		if err := m.cat.AppendTraffic(id, c.in, c.out, now); err != nil {
			log.WithFields(log.Fields{
				"forward_id": id,
				"bytes_in":   c.in,
				"bytes_out":  c.out,
				"error":      err,
			}).Warn("trafficmeter: flush to catalog failed, delta dropped")
		}
	}
}
