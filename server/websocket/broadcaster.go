package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10
)

type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	// subscribed event names; "*" means every event
	subs map[string]bool
}

// Hub keeps the connected dashboards and fans events out to them.
type Hub struct {
	mu       sync.Mutex
	clients  map[*Client]struct{}
	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // dashboard may be served from another origin
			},
		},
	}
}

// Message represents the structure of incoming messages
type Message struct {
	Type  string `json:"type"`            // "ping" | "subscribe" | "unsubscribe"
	Event string `json:"event,omitempty"` // e.g. "report-progress"
}

func (h *Hub) closeClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				log.Printf("WebSocket ping error: %v", err)
				return
			}
		}
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		subs: map[string]bool{"*": true},
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer h.closeClient(c)
		writePump(c)
	}()
	go func() {
		defer h.closeClient(c)
		h.readPump(c)
	}()
}

// readPump never writes to the connection, answers go through c.send.
func (h *Hub) readPump(c *Client) {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
		var incoming Message
		if err := json.Unmarshal(msg, &incoming); err != nil {
			log.Printf("Invalid JSON: %v", err)
			continue
		}
		switch incoming.Type {
		case "ping":
			resp, _ := json.Marshal(map[string]string{"type": "pong"})
			select {
			case c.send <- resp:
			default:
			}
		case "subscribe":
			if incoming.Event == "" {
				continue
			}
			h.mu.Lock()
			delete(c.subs, "*")
			c.subs[incoming.Event] = true
			h.mu.Unlock()
		case "unsubscribe":
			h.mu.Lock()
			delete(c.subs, incoming.Event)
			if len(c.subs) == 0 {
				c.subs["*"] = true
			}
			h.mu.Unlock()
		default:
			log.Printf("Received message: %+v", incoming)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
