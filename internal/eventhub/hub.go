package eventhub

import (
	"log/slog"
	"sync"
)

// Broadcaster pushes named events to UI clients.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// Hub is the single exit point from the typed buses to the UI transport.
type Hub struct {
	mu          sync.RWMutex
	broadcaster Broadcaster
	logger      *slog.Logger
}

// New creates a Hub with no broadcaster attached.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger}
}

// SetBroadcaster attaches the websocket server (or any other sink).
func (h *Hub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	h.broadcaster = b
	h.mu.Unlock()
}

// Emit sends a named event to the broadcaster, if any.
func (h *Hub) Emit(eventName string, payload interface{}) {
	h.mu.RLock()
	b := h.broadcaster
	h.mu.RUnlock()

	if b == nil {
		return
	}
	b.BroadcastEvent(eventName, payload)
}

// ErrorEvent is what the UI receives when an edit could not be applied.
type ErrorEvent struct {
	Source  string `json:"source"`
	Message string `json:"message"`
	Edit    int64  `json:"edit,omitempty"`
}

// EmitError logs err and surfaces it to the UI.
func (h *Hub) EmitError(source string, edit int64, err error) {
	if err == nil {
		return
	}
	h.logger.Warn("edit failed", "source", source, "edit", edit, "error", err)
	h.Emit("error", ErrorEvent{Source: source, Message: err.Error(), Edit: edit})
}

// Namer maps an event to the name it is published under. Returning ""
// keeps the event on its bus only.
type Namer[E any] func(event E) string

// Forward subscribes to bus and republishes every named event on the hub.
// It is the bridge between a concern's bus and the UI.
func Forward[E any](h *Hub, bus *Bus[E], name Namer[E]) *Subscription[E] {
	return bus.Subscribe(func(event E) {
		if n := name(event); n != "" {
			h.Emit(n, event)
		}
	})
}

// Bridge subscribes to from and relays translated events onto to. The
// translate function returns false to drop an event.
func Bridge[A, B any](from *Bus[A], to *Bus[B], translate func(A) (B, bool)) *Subscription[A] {
	return from.Subscribe(func(event A) {
		if out, ok := translate(event); ok {
			_ = to.Send(out)
		}
	})
}
