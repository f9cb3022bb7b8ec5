package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

const (
	eventWriteWait  = 10 * time.Second
	eventBufferSize = 64
)

// EventHub fans pipeline run events out to connected websocket clients.
// It implements the orchestrator's event publisher; a run never blocks
// on a slow subscriber.
type EventHub struct {
	upgrader websocket.Upgrader
	log      *logrus.Logger

	mu          sync.Mutex
	subscribers map[chan domain.RunEvent]struct{}
	closed      bool
}

// NewEventHub creates an event hub accepting same-origin clients.
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:         logger,
		subscribers: make(map[chan domain.RunEvent]struct{}),
	}
}

// Publish delivers an event to every subscriber. Subscribers that cannot
// keep up drop events rather than stalling the pipeline.
func (h *EventHub) Publish(event domain.RunEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.log.WithFields(logrus.Fields{
				"run_id": event.RunID,
				"stage":  event.Stage,
			}).Warn("Dropping run event for slow subscriber")
		}
	}
}

// Subscribe registers a new event channel. The returned cancel function
// must be called when the subscriber goes away.
func (h *EventHub) Subscribe() (<-chan domain.RunEvent, func()) {
	ch := make(chan domain.RunEvent, eventBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Close detaches all subscribers.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// ServeWS upgrades an HTTP request and streams run events until the
// client disconnects.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	events, cancel := h.Subscribe()
	defer cancel()
	defer conn.Close()

	// Drain client frames so close handshakes are noticed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.log.WithError(err).Error("Encoding run event")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
