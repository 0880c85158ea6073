package eip1193

import "sync"

// Emitter is a multi-listener event registry for provider implementations.
// It is safe for concurrent use. The zero value is ready to use.
type Emitter struct {
	mu        sync.Mutex
	listeners map[EventType][]*Listener
}

// AddListener registers l for event. Registering the same listener twice
// makes it fire twice.
func (e *Emitter) AddListener(event EventType, l *Listener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[EventType][]*Listener)
	}
	e.listeners[event] = append(e.listeners[event], l)
}

// DeleteListener removes the most recent registration of l for event.
func (e *Emitter) DeleteListener(event EventType, l *Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ls := e.listeners[event]
	for i := len(ls) - 1; i >= 0; i-- {
		if ls[i] == l {
			e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(e.listeners[event]) == 0 {
		delete(e.listeners, event)
	}
}

// Emit calls every listener registered for event, in registration order.
// It returns false when nobody was listening.
func (e *Emitter) Emit(event EventType, args ...any) bool {
	e.mu.Lock()
	snapshot := append([]*Listener(nil), e.listeners[event]...)
	e.mu.Unlock()

	for _, l := range snapshot {
		l.Call(args...)
	}
	return len(snapshot) > 0
}

// ListenerCount returns the number of listeners registered for event.
func (e *Emitter) ListenerCount(event EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}
