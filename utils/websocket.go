package utils

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait bounds every write to a client. A peer that cannot drain a
// frame within this window gets evicted instead of stalling the
// broadcast path.
const writeWait = 100 * time.Millisecond

// ErrClientGone reports a write to a client the hub no longer tracks.
var ErrClientGone = errors.New("websocket client gone")

// wsClient pairs a connection with its write lock. gorilla/websocket
// supports exactly one concurrent writer per connection, so every
// write — broadcast, targeted send, ping — goes through mu.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

type WebSocketHub struct {
	clients map[string]*wsClient
	mu      sync.Mutex
}

func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients: make(map[string]*wsClient),
	}
}

// AddClient registers a connection and returns its client ID.
func (h *WebSocketHub) AddClient(conn *websocket.Conn) string {
	id := uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[id] = &wsClient{conn: conn}
	return id
}

func (h *WebSocketHub) RemoveClient(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		c.conn.Close()
	}
}

func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WebSocketHub) client(id string) *wsClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[id]
}

// SendTo delivers an event to a single client. The control channel uses
// it for per-client error replies.
func (h *WebSocketHub) SendTo(id string, event WebSocketEvent) error {
	c := h.client(id)
	if c == nil {
		return nil
	}
	if err := c.writeJSON(event); err != nil {
		h.RemoveClient(id)
		return err
	}
	return nil
}

// Ping writes a control ping to one client through the same write lock
// the event paths use.
func (h *WebSocketHub) Ping(id string) error {
	c := h.client(id)
	if c == nil {
		return ErrClientGone
	}
	if err := c.ping(); err != nil {
		h.RemoveClient(id)
		return err
	}
	return nil
}

// Broadcast fans an event out to every client, one writer goroutine per
// client. Clients that miss the write deadline are evicted.
func (h *WebSocketHub) Broadcast(event WebSocketEvent) {
	h.mu.Lock()
	type target struct {
		id     string
		client *wsClient
	}
	targets := make([]target, 0, len(h.clients))
	for id, c := range h.clients {
		targets = append(targets, target{id, c})
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failed []string
	var failedMu sync.Mutex

	for _, tg := range targets {
		wg.Add(1)
		go func(id string, c *wsClient) {
			defer wg.Done()

			if err := c.writeJSON(event); err != nil {
				failedMu.Lock()
				failed = append(failed, id)
				failedMu.Unlock()
			}
		}(tg.id, tg.client)
	}

	wg.Wait()

	for _, id := range failed {
		h.RemoveClient(id)
	}
}
