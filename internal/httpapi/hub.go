package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Event types sent to websocket clients.
const (
	EventSyncState       = "sync.state"
	EventMessageInserted = "message.inserted"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts non-browser clients and pages served from localhost.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// WSEnvelope wraps every websocket event.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// CaseSubscriber subscribes to live messages of a case.
type CaseSubscriber func(ctx context.Context, caseID string, fn func(*models.Message)) (func(), error)

// wsClient is one websocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu    sync.Mutex
	cases map[string]func()
}

// Hub fans sync-state and live message events out to websocket clients.
type Hub struct {
	clients    map[string]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex

	subscribe CaseSubscriber
}

// NewHub creates a Hub and starts its loop. subscribe may be nil, in which
// case clients cannot follow cases.
func NewHub(subscribe CaseSubscriber) *Hub {
	h := &Hub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		subscribe:  subscribe,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				c.dropCases()
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Websocket client connected", map[string]interface{}{
				"component": "httpapi",
				"client":    c.id,
				"total":     n,
			})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.dropCases()
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Websocket client disconnected", map[string]interface{}{
				"component": "httpapi",
				"client":    c.id,
				"total":     n,
			})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client: drop it.
					delete(h.clients, id)
					c.dropCases()
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func encodeEvent(eventType string, data interface{}) ([]byte, error) {
	return json.Marshal(WSEnvelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
}

// Broadcast sends an event to all clients.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	payload, err := encodeEvent(eventType, data)
	if err != nil {
		logging.Warn("Failed to encode websocket event", map[string]interface{}{
			"component": "httpapi",
			"type":      eventType,
			"error":     err.Error(),
		})
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// BroadcastSyncState sends a sync-state snapshot to all clients.
func (h *Hub) BroadcastSyncState(s models.SyncState) {
	h.Broadcast(EventSyncState, s)
}

// Handler upgrades the request and serves the connection.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Warn("Websocket upgrade failed", map[string]interface{}{
				"component": "httpapi",
				"error":     err.Error(),
			})
			return
		}

		client := &wsClient{
			id:    uuid.NewString(),
			conn:  conn,
			send:  make(chan []byte, sendBuffer),
			hub:   h,
			cases: make(map[string]func()),
		}
		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// clientRequest is a message sent by a websocket client.
type clientRequest struct {
	Action string   `json:"action"`
	Cases  []string `json:"cases"`
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("Websocket read error", map[string]interface{}{
					"component": "httpapi",
					"error":     err.Error(),
				})
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		switch strings.ToLower(req.Action) {
		case "subscribe":
			c.reply("subscribe_ack", map[string]interface{}{"cases": c.follow(req.Cases)})
		case "unsubscribe":
			c.unfollow(req.Cases)
			c.reply("unsubscribe_ack", map[string]interface{}{"cases": req.Cases})
		case "ping":
			c.reply("pong", nil)
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// enqueue sends to this client only. It never blocks and never writes to
// a closed channel.
func (c *wsClient) enqueue(payload []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *wsClient) reply(eventType string, data interface{}) {
	payload, err := encodeEvent(eventType, data)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// follow subscribes to live messages of each case and returns the cases
// now followed.
func (c *wsClient) follow(caseIDs []string) []string {
	followed := []string{}
	if c.hub.subscribe == nil {
		return followed
	}
	for _, id := range caseIDs {
		c.mu.Lock()
		_, already := c.cases[id]
		c.mu.Unlock()
		if already {
			followed = append(followed, id)
			continue
		}

		unsub, err := c.hub.subscribe(context.Background(), id, func(m *models.Message) {
			c.reply(EventMessageInserted, m)
		})
		if err != nil {
			logging.Warn("Websocket case subscription failed", map[string]interface{}{
				"component": "httpapi",
				"case_id":   id,
				"error":     err.Error(),
			})
			continue
		}
		c.mu.Lock()
		c.cases[id] = unsub
		c.mu.Unlock()
		followed = append(followed, id)
	}
	return followed
}

func (c *wsClient) unfollow(caseIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range caseIDs {
		if unsub, ok := c.cases[id]; ok {
			unsub()
			delete(c.cases, id)
		}
	}
}

func (c *wsClient) dropCases() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, unsub := range c.cases {
		unsub()
		delete(c.cases, id)
	}
}
