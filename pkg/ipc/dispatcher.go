package ipc

import "sync"

// HandlerFunc processes one incoming envelope.
type HandlerFunc func(env Envelope) error

// Dispatcher routes envelopes to handlers by type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[MessageType]HandlerFunc
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[MessageType]HandlerFunc)}
}

// Handle registers h for t, replacing any earlier handler.
func (d *Dispatcher) Handle(t MessageType, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Dispatch runs the handler registered for env.Type. The boolean is false
// when no handler exists, so the caller can surface the envelope as a
// generic message instead.
func (d *Dispatcher) Dispatch(env Envelope) (bool, error) {
	d.mu.RLock()
	h, ok := d.handlers[env.Type]
	d.mu.RUnlock()

	if !ok {
		return false, nil
	}
	return true, h(env)
}
