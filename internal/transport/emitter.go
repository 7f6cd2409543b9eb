package transport

import (
	"encoding/json"
	"sync"
)

// Handler receives the raw payload of one event.
type Handler func(payload json.RawMessage)

// Subscription is a handle for one registered handler. Cancel releases
// it; holding handles explicitly keeps handlers from leaking across
// reconnects.
type Subscription struct {
	event string
	id    int
	em    *emitter
}

// Cancel removes the handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.em == nil {
		return
	}
	s.em.off(s.event, s.id)
	s.em = nil
}

// emitter is a minimal typed pub/sub used to decouple transport
// consumers from the websocket mechanics.
type emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[string]map[int]Handler)}
}

func (e *emitter) on(event string, h Handler) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	m, ok := e.handlers[event]
	if !ok {
		m = make(map[int]Handler)
		e.handlers[event] = m
	}
	m[id] = h
	return &Subscription{event: event, id: id, em: e}
}

func (e *emitter) off(event string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.handlers[event]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(e.handlers, event)
		}
	}
}

func (e *emitter) emit(event string, payload json.RawMessage) {
	e.mu.RLock()
	hs := make([]Handler, 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
}
