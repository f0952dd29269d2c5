package trafficmeter

import (
	"testing"
	"time"

	"github.com/qiudaomao/node-frp/internal/catalog"
)

func TestFlushAggregatesAndClearsCounters(t *testing.T) {
	cat := catalog.NewMemCatalog()
	cat.PutAgent(catalog.Agent{ID: "agent1", Token: "tok", Enabled: true})
	cat.PutForward(catalog.Forward{ID: "f1", AgentID: "agent1", Direction: catalog.DirectionForward, Enabled: true, RemotePort: 9000})

	m := New(cat, time.Hour)
	m.AddIn("f1", 100)
	m.AddOut("f1", 40)
	m.AddIn("f1", 5)

	m.flush()

	records := cat.Traffic()
	if len(records) != 1 {
		t.Fatalf("expected 1 traffic record, got %d", len(records))
	}
	if records[0].BytesIn != 105 || records[0].BytesOut != 40 {
		t.Fatalf("unexpected aggregate: %+v", records[0])
	}

	// A second flush with no new traffic should record nothing.
	m.flush()
	if len(cat.Traffic()) != 1 {
		t.Fatalf("expected no additional flush for a zero delta, got %d records", len(cat.Traffic()))
	}
}

func TestRunFlushesOnStop(t *testing.T) {
	cat := catalog.NewMemCatalog()
	cat.PutAgent(catalog.Agent{ID: "agent1", Token: "tok", Enabled: true})
	cat.PutForward(catalog.Forward{ID: "f1", AgentID: "agent1", Direction: catalog.DirectionForward, Enabled: true, RemotePort: 9000})

	m := New(cat, time.Hour)
	m.AddIn("f1", 10)

	go m.Run()
	m.Stop()

	records := cat.Traffic()
	if len(records) != 1 || records[0].BytesIn != 10 {
		t.Fatalf("expected final flush on Stop, got %+v", records)
	}
}
