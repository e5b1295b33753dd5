package event

import "testing"

func TestStatsAccumulateAndRemove(t *testing.T) {
	r := &StatsRegistry{sessions: make(map[string]*SessionCounters)}

	c := r.Session("s1")
	c.BytesIn.Add(100)
	c.BytesOut.Add(250)
	c.FramesIn.Add(2)
	c.LatencySamples.Add(1)
	c.LastLatencyMs.Store(42)

	if got := r.Session("s1"); got != c {
		t.Fatal("expected the same counters on second lookup")
	}

	snaps := r.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	s := snaps[0]
	if s.SessionID != "s1" || s.BytesIn != 100 || s.BytesOut != 250 || s.FramesIn != 2 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	if s.LastLatencyMs != 42 {
		t.Fatalf("expected last latency 42, got %d", s.LastLatencyMs)
	}

	r.Remove("s1")
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected no snapshots after remove")
	}
}

func TestStatsTotals(t *testing.T) {
	r := &StatsRegistry{sessions: make(map[string]*SessionCounters)}
	r.Session("a").BytesIn.Add(10)
	r.Session("b").BytesIn.Add(30)
	r.Session("b").BytesOut.Add(5)

	totals := r.Totals()
	if totals.BytesIn != 40 {
		t.Fatalf("expected bytesIn total 40, got %d", totals.BytesIn)
	}
	if totals.BytesOut != 5 {
		t.Fatalf("expected bytesOut total 5, got %d", totals.BytesOut)
	}
}
