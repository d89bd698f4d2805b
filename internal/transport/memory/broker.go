package memory

import (
	"context"
	"sync"

	"fieldlink-cloud/internal/transport"
)

// Broker is an in-process transport for tests and local development.
// Delivery is synchronous. Publishing to a subject with no subscriber
// returns ErrDeviceNotConnected, which models a device with no live channel.
type Broker struct {
	mu       sync.RWMutex
	handlers map[string][]transport.Handler
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{handlers: make(map[string][]transport.Handler)}
}

// Publish delivers the payload to all handlers of the subject.
func (b *Broker) Publish(ctx context.Context, subject string, payload []byte, _ ...transport.PubOptions) error {
	b.mu.RLock()
	handlers := append([]transport.Handler(nil), b.handlers[subject]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return transport.ErrDeviceNotConnected
	}
	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe registers a handler for a subject.
func (b *Broker) Subscribe(subject string, handler transport.Handler) error {
	if subject == "" || handler == nil {
		return nil
	}
	b.mu.Lock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	b.mu.Unlock()
	return nil
}

// Disconnect removes all handlers for a subject, simulating a device whose
// channel dropped.
func (b *Broker) Disconnect(subject string) {
	b.mu.Lock()
	delete(b.handlers, subject)
	b.mu.Unlock()
}
