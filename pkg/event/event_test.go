package event

import "testing"

func TestEmitter_SpecificAndWildcard(t *testing.T) {
	e := NewEmitter()

	var got []string
	e.On(SessionOpened, func(ev Event) {
		got = append(got, "specific:"+ev.EventName())
	})
	e.OnAny(func(ev Event) {
		got = append(got, "any:"+ev.EventName())
	})

	e.Emit(SessionOpenedEvent{SessionID: "s1"})
	e.Emit(SessionClosedEvent{SessionID: "s1", Reason: "client"})

	want := []string{
		"specific:session.opened",
		"any:session.opened",
		"any:session.closed",
	}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEmitter_Unsubscribe(t *testing.T) {
	e := NewEmitter()

	calls := 0
	off := e.On(TransferStarted, func(Event) { calls++ })

	e.Emit(TransferStartedEvent{OperationID: "op1"})
	off()
	off() // idempotent
	e.Emit(TransferStartedEvent{OperationID: "op2"})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestEventToData(t *testing.T) {
	d := eventToData(SessionReconnectingEvent{SessionID: "s1", Attempt: 2, MaxRetry: 3})
	if d["sessionId"] != "s1" {
		t.Fatalf("sessionId = %v", d["sessionId"])
	}
	if d["attempt"].(float64) != 2 {
		t.Fatalf("attempt = %v", d["attempt"])
	}
}
