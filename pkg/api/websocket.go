package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS handled by the main server
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is one outgoing feed message: the channel it was delivered on
// plus the event payload.
type wsFrame struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// Hub tracks websocket subscribers and fans committed events out to the
// channels they asked for. Clients that cannot keep up are skipped, not
// blocked on: the pebble event log is the durable record.
type Hub struct {
	mu   sync.RWMutex
	subs map[*wsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*wsClient]struct{})}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.subs[c] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	log.Printf("[ws] client connected: %s (total: %d)", c.id, n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.subs[c]; ok {
		delete(h.subs, c)
		close(c.send)
	}
	n := len(h.subs)
	h.mu.Unlock()
	log.Printf("[ws] client disconnected: %s (total: %d)", c.id, n)
}

// BroadcastToChannel delivers data to every subscriber of channel.
func (h *Hub) BroadcastToChannel(channel string, data interface{}) {
	msg, err := json.Marshal(wsFrame{Channel: channel, Data: data})
	if err != nil {
		log.Printf("[ws] marshal error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subs {
		if !c.subscribed(channel) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// slow consumer, drop this frame for it
		}
	}
}

// wsClient is one feed connection with its channel subscriptions.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mu       sync.RWMutex
	channels map[string]bool
}

func (c *wsClient) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[channel]
}

func (c *wsClient) setSubscribed(channels []string, on bool) {
	c.mu.Lock()
	for _, ch := range channels {
		if on {
			c.channels[ch] = true
		} else {
			delete(c.channels, ch)
		}
	}
	c.mu.Unlock()
}

// readLoop consumes subscribe/unsubscribe requests until the connection
// drops, then detaches the client.
func (c *wsClient) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			log.Printf("[ws] invalid request from %s: %v", c.id, err)
			continue
		}
		switch req.Op {
		case "subscribe":
			c.setSubscribed(req.Channels, true)
		case "unsubscribe":
			c.setSubscribed(req.Channels, false)
		default:
			log.Printf("[ws] unknown op %q from %s", req.Op, c.id)
		}
	}
}

// writeLoop pushes queued frames and keeps the connection alive with pings.
func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades the connection and starts the pumps. A fresh
// connection has no subscriptions; the client picks channels explicitly.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	c := &wsClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		id:       conn.RemoteAddr().String(),
		channels: make(map[string]bool),
	}
	s.hub.add(c)

	go c.writeLoop()
	go c.readLoop()
}
