// Package feed streams reconciliation events to WebSocket subscribers. A Hub
// fans broadcast messages out to connected clients; the Server handles the
// HTTP side with origin checks, per-IP rate limits and a connection cap.
package feed

import (
	"context"
	"sync"
)

// Logger is the minimal logging surface the feed needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

const clientBufferSize = 256

// Client is one subscriber connection. Sends are non-blocking: a client that
// stops draining its buffer loses messages and is then dropped by the hub.
type Client struct {
	id     string
	outbox chan Message
	mu     sync.Mutex
	closed bool
}

func NewClient(id string) *Client {
	return &Client{
		id:     id,
		outbox: make(chan Message, clientBufferSize),
	}
}

// Send queues msg for the client. It reports false when the client is closed
// or its buffer is full.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.outbox <- msg:
		return true
	default:
		return false
	}
}

// Outbox returns the receive side of the client's message queue.
func (c *Client) Outbox() <-chan Message {
	return c.outbox
}

// Close marks the client closed and releases its outbox. Safe to call twice.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
}

// Hub tracks subscribers and fans broadcast messages out to all of them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     Logger
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run drives the hub until ctx is canceled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("Feed client registered", "client_id", client.id, "total_clients", total)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("Feed client unregistered", "client_id", client.id, "total_clients", total)
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				targets = append(targets, client)
			}
			h.mu.RUnlock()

			// Deliver outside the lock; a full outbox drops the client
			for _, client := range targets {
				if !client.Send(msg) {
					select {
					case h.unregister <- client:
					default:
					}
				}
			}
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues msg for all clients. The message is dropped when the
// broadcast buffer is full; subscribers get a fresh snapshot on reconnect.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		if h.logger != nil {
			h.logger.Warn("Feed broadcast buffer full, dropping message", "type", msg.Type)
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
