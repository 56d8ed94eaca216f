package utils

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MonitorEvent is one projection event mirrored to monitor clients.
type MonitorEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

const (
	monitorWriteTimeout = 100 * time.Millisecond
	monitorSendBuffer   = 64
)

// monitorClient pairs a connection with the queue its writer drains.
// Every frame on one connection comes from that single writer, which
// is what gorilla/websocket requires.
type monitorClient struct {
	conn *websocket.Conn
	send chan MonitorEvent
	done chan struct{}
}

// MonitorHub fans projection events out to attached WebSocket clients.
// Each client gets a buffered queue and one writer goroutine; a client
// that stops draining its queue or fails a write is evicted. Delivery
// is best effort and never blocks the event source.
type MonitorHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]*monitorClient
}

func NewMonitorHub() *MonitorHub {
	return &MonitorHub{
		clients: make(map[*websocket.Conn]*monitorClient),
	}
}

func (h *MonitorHub) AddClient(conn *websocket.Conn) {
	c := &monitorClient{
		conn: conn,
		send: make(chan MonitorEvent, monitorSendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	go h.writeLoop(c)
}

func (h *MonitorHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	c, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	close(c.done)
	conn.Close()
}

// ClientCount reports the number of attached monitor clients.
func (h *MonitorHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues the event for every client. A full queue means the
// client stopped draining; it gets evicted rather than awaited.
func (h *MonitorHub) Broadcast(event MonitorEvent) {
	h.mu.Lock()
	clients := make([]*monitorClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- event:
		case <-c.done:
		default:
			h.RemoveClient(c.conn)
		}
	}
}

func (h *MonitorHub) writeLoop(c *monitorClient) {
	for {
		select {
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(monitorWriteTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				h.RemoveClient(c.conn)
				return
			}
		case <-c.done:
			return
		}
	}
}
