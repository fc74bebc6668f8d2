package cangw

import (
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/nozzle.control/internal/wire"
)

// hub is the subscriber set shared by every SensorSource in this package.
type hub struct {
	mu          sync.Mutex
	subscribers map[string]chan wire.SensorTelemetry
	closing     bool

	override    wire.OverrideState
	hasOverride bool
}

func newHub() *hub {
	return &hub{subscribers: make(map[string]chan wire.SensorTelemetry)}
}

// Subscribe registers a subscriber. After close it returns a closed channel
// so callers don't block.
func (h *hub) Subscribe() (string, <-chan wire.SensorTelemetry) {
	id := uuid.NewString()
	ch := make(chan wire.SensorTelemetry, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *hub) publish(reading wire.SensorTelemetry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- reading:
		default:
			// skip a full subscriber so as not to block the source
		}
	}
}

// Override returns the last override state seen on the bus.
func (h *hub) Override() (wire.OverrideState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.override, h.hasOverride
}

// setOverride stores state and reports whether Active changed.
func (h *hub) setOverride(state wire.OverrideState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	changed := !h.hasOverride || h.override.Active != state.Active
	h.override = state
	h.hasOverride = true
	return changed
}

// close closes every subscriber. It reports false if already closed.
func (h *hub) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.closing = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	return true
}
