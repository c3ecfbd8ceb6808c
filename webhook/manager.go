package webhook

import (
	"time"

	"go.uber.org/zap"
)

// Manager owns subscription state and the delivery dispatcher for a handler instance.
type Manager struct {
	Store      *Store
	Dispatcher *Dispatcher
}

// NewManager creates a Manager with its own subscription store and dispatcher.
func NewManager(logger *zap.Logger, deliveryTimeout time.Duration) *Manager {
	store := NewStore()
	return &Manager{
		Store:      store,
		Dispatcher: NewDispatcher(store, logger, deliveryTimeout),
	}
}

// OnAppend notifies the dispatcher of a new event on streamPath.
func (m *Manager) OnAppend(streamPath, offset string, body []byte, contentType string) {
	m.Dispatcher.Enqueue(streamPath, offset, body, contentType)
}

// Shutdown cancels in-flight deliveries and stops the dispatcher.
func (m *Manager) Shutdown() {
	m.Dispatcher.Shutdown()
}
