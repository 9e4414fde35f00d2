// Package observerhub fans out internal/events.Event values to any
// connected local debug client over a websocket, as the minimal debug
// observer console named in spec.md §5. It is deliberately not the
// companion-server REST/CRUD/websocket surface the spec excludes — it
// only ever relays events, one direction, with no request handling
// beyond the initial upgrade. Modeled directly on the teacher's
// moonraker/websocket.go WSHub (register/unregister/broadcast).
package observerhub

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/spoolease/core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// wireEvent is the JSON shape delivered to connected clients.
type wireEvent struct {
	Kind    string      `json:"kind"`
	At      string      `json:"at"`
	Printer string      `json:"printer,omitempty"`
	Payload interface{} `json:"payload"`
}

// Hub relays every event published on a bus to all connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// Serve upgrades the request to a websocket and registers the resulting
// client until it disconnects. It never reads application messages from
// the client; the connection is relay-only.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("observerhub: upgrade error: %v", err)
		return
	}
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard anything the client sends, purely to notice
	// disconnects; the protocol carries no inbound commands.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Run subscribes to bus and relays every event to connected clients
// until stopCh is closed.
func (h *Hub) Run(bus *events.Bus, stopCh <-chan struct{}) {
	ch := bus.Subscribe(64)
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev events.Event) {
	we := wireEvent{
		Kind:    string(ev.Kind),
		At:      ev.At.Format("2006-01-02T15:04:05.000Z07:00"),
		Printer: ev.Printer,
		Payload: ev.Payload,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if err := c.send(we); err != nil {
			log.Printf("observerhub: send error: %v", err)
		}
	}
}
