// Package events streams sync, conflict and connectivity events to the UI
// shell over a local WebSocket.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rxdelivery/driversync/internal/connectivity"
	"github.com/rxdelivery/driversync/internal/logging"
	syncpkg "github.com/rxdelivery/driversync/internal/sync"
	"github.com/rxdelivery/driversync/internal/uuid"
)

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventSyncStarted     = "sync.started"
	EventSyncCompleted   = "sync.completed"
	EventSyncFailed      = "sync.failed"
	EventActionProcessed = "sync.action_processed"
	EventActionEnqueued  = "sync.action_enqueued"
	EventSyncConflict    = "sync.conflict_detected"
	EventAuthRequired    = "sync.auth_required"

	// EventOrderConflict carries the full conflict so the UI can refresh the order.
	EventOrderConflict = "order.conflict"

	EventConnectivityChanged = "connectivity.changed"
)

var syncEventTypes = map[syncpkg.SyncEventType]string{
	syncpkg.SyncEventStarted:   EventSyncStarted,
	syncpkg.SyncEventCompleted: EventSyncCompleted,
	syncpkg.SyncEventFailed:    EventSyncFailed,
	syncpkg.SyncEventAction:    EventActionProcessed,
	syncpkg.SyncEventEnqueued:  EventActionEnqueued,
	syncpkg.SyncEventConflict:  EventSyncConflict,

	syncpkg.SyncEventAuthRequired: EventAuthRequired,
}

const (
	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Hub maintains active client connections and broadcasts messages.
type Hub struct {
	clients    map[string]*client
	broadcast  chan envelopeBytes
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	now        func() time.Time
	log        *logging.Logger
}

type envelopeBytes struct {
	typ  string
	data []byte
}

// NewHub creates a hub and starts its dispatch goroutine.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan envelopeBytes, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		now:        time.Now,
		log:        logging.Get().Component("events"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     localOrigin,
	}
	go h.run()
	return h
}

// localOrigin only admits pages served from this device.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client connected", map[string]interface{}{"client_id": c.id, "total": n})

		// Unregister client; run is the only closer of c.send.
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client disconnected", map[string]interface{}{"client_id": c.id, "total": n})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(msg.typ) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow consumer; drop it rather than stall the hub.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close disconnects every client and stops the dispatch goroutine.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every subscribed client. It never blocks;
// when the queue is full the message is dropped.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	bytes, err := json.Marshal(Envelope{
		Type:      messageType,
		Data:      data,
		Timestamp: h.now().Unix(),
	})
	if err != nil {
		h.log.Error("Failed to marshal message", err, map[string]interface{}{"type": messageType})
		return
	}

	select {
	case h.broadcast <- envelopeBytes{typ: messageType, data: bytes}:
	case <-h.done:
	default:
		h.log.Warn("Event queue full, dropping message", map[string]interface{}{"type": messageType})
	}
}

// OnSyncEvent forwards engine events.
func (h *Hub) OnSyncEvent(ev syncpkg.SyncEvent) {
	typ, ok := syncEventTypes[ev.Type]
	if !ok {
		return
	}
	h.Broadcast(typ, ev)
}

// OnConflict forwards dropped actions so the UI refreshes the order.
func (h *Hub) OnConflict(ev syncpkg.ConflictEvent) {
	h.Broadcast(EventOrderConflict, ev)
}

// Watch forwards connectivity edges until the channel closes or ctx is done.
func (h *Hub) Watch(ctx context.Context, events <-chan connectivity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(EventConnectivityChanged, ev)
		}
	}
}

// ServeHTTP upgrades the request and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// client is one WebSocket connection. With no subscriptions it receives
// every event type.
type client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	// send is closed only by the hub's run goroutine, under hub.mu, when the
	// client is removed from hub.clients. Any other sender must hold
	// hub.mu.RLock and find the client still registered.
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]bool
}

func (c *client) wants(typ string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[typ]
}

// clientMessage is what the UI sends: subscribe, unsubscribe or ping.
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("Read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a direct response to this client only. It follows the send
// channel rule on client: the registration check and the send happen under
// hub.mu.RLock, so run cannot close send in between.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = c.hub.now().Unix()
	bytes, err := json.Marshal(body)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
