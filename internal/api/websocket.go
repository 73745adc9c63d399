package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/leogray15-maker/arcane-archives/internal/events"
	"github.com/leogray15-maker/arcane-archives/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is public and read-only, so cross-origin reads are fine
		return true
	},
}

// feedClient is one WebSocket subscriber on the alert feed
type feedClient struct {
	conn      *websocket.Conn
	send      chan []byte
	feed      *AlertFeed
	closeChan chan struct{}
}

// AlertFeed fans alert lifecycle events out to connected WebSocket clients
type AlertFeed struct {
	clients    map[*feedClient]bool
	broadcast  chan []byte
	register   chan *feedClient
	unregister chan *feedClient
	queueSize  int
	mu         sync.RWMutex
	logger     *logging.Logger
}

// NewAlertFeed creates a new alert feed hub. queueSize is the per-client
// send buffer; zero or negative falls back to a sane default.
func NewAlertFeed(queueSize int, logger *logging.Logger) *AlertFeed {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &AlertFeed{
		clients:    make(map[*feedClient]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		queueSize:  queueSize,
		logger:     logger.WithComponent("alert-feed"),
	}
}

// Run starts the feed hub loop
func (f *AlertFeed) Run() {
	for {
		select {
		case client := <-f.register:
			f.mu.Lock()
			f.clients[client] = true
			f.mu.Unlock()

		case client := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				close(client.send)
			}
			f.mu.Unlock()

		case message := <-f.broadcast:
			f.mu.Lock()
			for client := range f.clients {
				select {
				case client.send <- message:
				default:
					// Client's send channel is full, unregister it.
					// Don't close or delete here - let unregister handle it.
					go func(c *feedClient) {
						f.unregister <- c
					}(client)
				}
			}
			f.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all connected clients
func (f *AlertFeed) Broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("Failed to marshal event", "error", err)
		return
	}

	select {
	case f.broadcast <- data:
	default:
		f.logger.Warn("Broadcast channel full, dropping message")
	}
}

// SubscribeTo wires the feed to the alert lifecycle events on the bus
func (f *AlertFeed) SubscribeTo(bus *events.EventBus) {
	forward := func(event events.Event) {
		f.Broadcast(event)
	}
	bus.Subscribe(events.EventAlertPosted, forward)
	bus.Subscribe(events.EventAlertTargetHit, forward)
	bus.Subscribe(events.EventAlertClosed, forward)
}

// ClientCount returns the number of connected clients
func (f *AlertFeed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// writePump pumps messages from the feed to the websocket connection
func (c *feedClient) writePump() {
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
				// The hub closed the channel
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

		case <-c.closeChan:
			return
		}
	}
}

// readPump drains the connection so pongs are processed; clients are not
// expected to send anything.
func (c *feedClient) readPump() {
	defer func() {
		c.feed.unregister <- c
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// handleAlertFeed upgrades the connection and attaches it to the feed
func (s *Server) handleAlertFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &feedClient{
		conn:      conn,
		send:      make(chan []byte, s.feed.queueSize),
		feed:      s.feed,
		closeChan: make(chan struct{}),
	}

	client.feed.register <- client

	go client.writePump()
	go client.readPump()

	welcome := map[string]interface{}{
		"type":      "CONNECTED",
		"message":   "Alert feed connected",
		"timestamp": time.Now(),
	}
	if data, err := json.Marshal(welcome); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}
