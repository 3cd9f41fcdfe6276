package ws

import (
	"encoding/json"
	"log"
	"sync"
)

// Event is the frame pushed to connected UIs when the extension runtime
// changes shape: an extension changed state or the active language changed.
type Event struct {
	Type      string `json:"type"` // extension_state | language_changed
	Extension string `json:"extension,omitempty"`
	State     string `json:"state,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Hub manages the lifecycle of WebSocket clients and fans runtime events
// out to all of them. It is safe for concurrent use.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
}

// NewHub allocates and initialises a Hub. Call Run() in a goroutine to
// start the event loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan []byte, 256),
	}
}

// Run is the hub's main event loop. It must be executed in a dedicated
// goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			log.Printf("ws: client %s registered (user=%s)", client.ID, client.UserID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("ws: client %s unregistered", client.ID)

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Slow consumer: drop the message to avoid blocking.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast encodes the event as JSON and enqueues it for delivery to
// every connected client.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("ws: failed to marshal event: %v", err)
		return
	}
	h.broadcast <- data
}

// Register enqueues a new client for addition to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister enqueues a client for removal from the hub.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}
