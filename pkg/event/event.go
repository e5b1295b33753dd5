// Package event is the gateway's observability bus. Session and transfer
// lifecycle transitions are emitted here; the /ws/monitor endpoint fans them
// out to admin dashboards as JSON.
package event

import (
	"sync"

	"github.com/esshgate/esshgate/pkg/utils"
)

// Event is implemented by every emitted event type.
type Event interface {
	// EventName returns the dotted event identifier (e.g. "session.opened").
	EventName() string
}

// Listener is a subscriber callback.
type Listener func(Event)

// Emitter dispatches events to subscribers. Listeners run on the emitting
// goroutine and must not block.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	specific map[string]map[int]Listener
	wildcard map[int]Listener
}

func NewEmitter() *Emitter {
	return &Emitter{
		specific: make(map[string]map[int]Listener),
		wildcard: make(map[int]Listener),
	}
}

// On subscribes to one event name. The returned function unsubscribes.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	if e.specific[eventName] == nil {
		e.specific[eventName] = make(map[int]Listener)
	}
	e.specific[eventName][id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.specific[eventName], id)
	}
}

// OnAny subscribes to every event.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.wildcard[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.wildcard, id)
	}
}

// Emit dispatches ev to matching and wildcard listeners without holding the
// emitter lock during callbacks.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	fns := make([]Listener, 0, len(e.specific[ev.EventName()])+len(e.wildcard))
	for _, fn := range e.specific[ev.EventName()] {
		fns = append(fns, fn)
	}
	for _, fn := range e.wildcard {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	utils.GetLogger().Debug("event emitted", "event", ev.EventName(), "listeners", len(fns))

	for _, fn := range fns {
		fn(ev)
	}
}

var (
	globalEmitter *Emitter
	globalOnce    sync.Once
)

// Global returns the process-wide emitter.
func Global() *Emitter {
	globalOnce.Do(func() {
		globalEmitter = NewEmitter()
	})
	return globalEmitter
}

// Emit is shorthand for Global().Emit(ev).
func Emit(ev Event) {
	Global().Emit(ev)
}

// On is shorthand for Global().On(eventName, fn).
func On(eventName string, fn Listener) func() {
	return Global().On(eventName, fn)
}
