package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ernie/squad-tracker/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Feed message types
const (
	FeedEvent = "event"
	FeedState = "server_state"
)

// FeedMessage is one message on the live feed
type FeedMessage struct {
	Type     string    `json:"type"`
	ServerID string    `json:"server_id"`
	Kind     string    `json:"kind,omitempty"`
	At       time.Time `json:"at"`
	Data     any       `json:"data"`
}

// wsClient is one live feed subscriber
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans live events and server state out to WebSocket subscribers
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewHub creates a hub. Call Run to start it.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Str("remote", client.conn.RemoteAddr().String()).Int("clients", n).Msg("feed subscriber connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// too slow, drop it
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and disconnects every subscriber
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishEvent forwards a received event to subscribers
func (h *Hub) PublishEvent(ev domain.RawEvent) {
	h.publish(FeedMessage{Type: FeedEvent, ServerID: ev.ServerID, Kind: string(ev.Kind), At: ev.OccurredAt, Data: ev.Payload})
}

// PublishState forwards a connection transition to subscribers
func (h *Hub) PublishState(sc domain.StateChange) {
	h.publish(FeedMessage{Type: FeedState, ServerID: sc.ServerID, At: sc.At, Data: sc})
}

func (h *Hub) publish(msg FeedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("marshaling feed message")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.log.Warn().Msg("feed broadcast channel full, dropping message")
	}
}

// handleWebSocket upgrades HTTP to WebSocket and subscribes the client
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug().Err(err).Msg("websocket upgrade")
		return
	}

	client := &wsClient{hub: r.hub, conn: conn, send: make(chan []byte, 256)}
	select {
	case r.hub.register <- client:
	case <-r.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames and unregisters on close
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.log.Debug().Err(err).Msg("feed subscriber read")
			}
			return
		}
	}
}

// writePump sends one message per frame and pings every 30s
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
