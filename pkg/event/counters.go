package event

import (
	"sync"
	"sync/atomic"
)

// SessionCounters accumulates traffic totals for one session. All fields are
// safe for concurrent update.
type SessionCounters struct {
	BytesIn        atomic.Int64
	BytesOut       atomic.Int64
	FramesIn       atomic.Int64
	FramesOut      atomic.Int64
	LatencySamples atomic.Int64
	LastLatencyMs  atomic.Int64
}

// CounterSnapshot is the JSON view of one session's counters.
type CounterSnapshot struct {
	SessionID      string `json:"sessionId"`
	BytesIn        int64  `json:"bytesIn"`
	BytesOut       int64  `json:"bytesOut"`
	FramesIn       int64  `json:"framesIn"`
	FramesOut      int64  `json:"framesOut"`
	LatencySamples int64  `json:"latencySamples"`
	LastLatencyMs  int64  `json:"lastLatencyMs"`
}

// StatsRegistry tracks per-session counters. Counters are created on first
// touch and dropped when the session closes.
type StatsRegistry struct {
	mu       sync.Mutex
	sessions map[string]*SessionCounters
}

var stats = &StatsRegistry{sessions: make(map[string]*SessionCounters)}

// Stats returns the process-wide registry.
func Stats() *StatsRegistry { return stats }

// Session returns the counters for sessionID, creating them if needed.
func (r *StatsRegistry) Session(sessionID string) *SessionCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[sessionID]
	if !ok {
		c = &SessionCounters{}
		r.sessions[sessionID] = c
	}
	return c
}

// Remove drops the counters for sessionID.
func (r *StatsRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Snapshot returns the current counters of every live session.
func (r *StatsRegistry) Snapshot() []CounterSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CounterSnapshot, 0, len(r.sessions))
	for id, c := range r.sessions {
		out = append(out, CounterSnapshot{
			SessionID:      id,
			BytesIn:        c.BytesIn.Load(),
			BytesOut:       c.BytesOut.Load(),
			FramesIn:       c.FramesIn.Load(),
			FramesOut:      c.FramesOut.Load(),
			LatencySamples: c.LatencySamples.Load(),
			LastLatencyMs:  c.LastLatencyMs.Load(),
		})
	}
	return out
}

// Totals aggregates the live counters across sessions.
func (r *StatsRegistry) Totals() CounterSnapshot {
	var t CounterSnapshot
	for _, s := range r.Snapshot() {
		t.BytesIn += s.BytesIn
		t.BytesOut += s.BytesOut
		t.FramesIn += s.FramesIn
		t.FramesOut += s.FramesOut
		t.LatencySamples += s.LatencySamples
	}
	return t
}
