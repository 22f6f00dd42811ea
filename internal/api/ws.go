package api

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const sessionOutputPrefix = "session-output:"

// SessionOutputTopic names the WS topic a session's output deltas ride.
func SessionOutputTopic(sessionID string) string {
	return sessionOutputPrefix + sessionID
}

// SessionOutputSession extracts the session id from a session output
// topic. ok is false for every other topic.
func SessionOutputSession(topic string) (string, bool) {
	return strings.CutPrefix(topic, sessionOutputPrefix)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket is a local Unix domain socket; there is no cross-origin
	// browser surface to defend.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Frame is one multiplexed WebSocket message.
type Frame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// subscription is the only client-to-server message shape.
type subscription struct {
	Action string `json:"action"` // subscribe or unsubscribe
	Topic  string `json:"topic"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan Frame

	mu     sync.Mutex
	topics map[string]bool
}

func (c *wsClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

// TopicWatcher starts an external feed when a topic gains its first
// subscriber. The returned stop function runs when the last subscriber
// leaves; return nil for topics that need no feed. The watcher is called
// with the hub lock held and must not call back into the hub
// synchronously.
type TopicWatcher func(topic string) (stop func())

// topicWatch tracks one topic's subscriber count and its feed.
type topicWatch struct {
	refs int
	stop func()
}

// Hub fans notification payloads out to subscribed WebSocket clients. The
// topic filter is enforced here, never client-side.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	watcher TopicWatcher
	watches map[string]*topicWatch
	closed  bool
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
		watches: make(map[string]*topicWatch),
	}
}

// SetWatcher registers the feed starter consulted when a topic gains its
// first subscriber. Set before the hub accepts connections.
func (h *Hub) SetWatcher(w TopicWatcher) {
	h.mu.Lock()
	h.watcher = w
	h.mu.Unlock()
}

// Broadcast delivers payload to every client subscribed to topic. Slow
// clients are disconnected rather than blocking the rest.
func (h *Hub) Broadcast(topic string, payload any) {
	frame := Frame{Topic: topic, Payload: payload}
	var evicted []*wsClient
	h.mu.Lock()
	for c := range h.clients {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			delete(h.clients, c)
			close(c.send)
			evicted = append(evicted, c)
		}
	}
	h.mu.Unlock()
	for _, c := range evicted {
		h.releaseClientTopics(c)
	}
}

// Close disconnects every client and stops every topic feed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	var stops []func()
	for topic, w := range h.watches {
		if w.stop != nil {
			stops = append(stops, w.stop)
		}
		delete(h.watches, topic)
	}
	h.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	registered := h.clients[c]
	if registered {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if registered {
		h.releaseClientTopics(c)
	}
}

func (h *Hub) subscribe(c *wsClient, topic string) {
	c.mu.Lock()
	already := c.topics[topic]
	c.topics[topic] = true
	c.mu.Unlock()
	if !already {
		h.retain(topic)
	}
}

func (h *Hub) unsubscribe(c *wsClient, topic string) {
	c.mu.Lock()
	had := c.topics[topic]
	delete(c.topics, topic)
	c.mu.Unlock()
	if had {
		h.release(topic)
	}
}

// releaseClientTopics drops every subscription a departed client held.
func (h *Hub) releaseClientTopics(c *wsClient) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.topics = make(map[string]bool)
	c.mu.Unlock()
	for _, t := range topics {
		h.release(t)
	}
}

func (h *Hub) retain(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if w, ok := h.watches[topic]; ok {
		w.refs++
		return
	}
	w := &topicWatch{refs: 1}
	if h.watcher != nil {
		w.stop = h.watcher(topic)
	}
	h.watches[topic] = w
}

func (h *Hub) release(topic string) {
	h.mu.Lock()
	w, ok := h.watches[topic]
	if ok {
		w.refs--
		if w.refs > 0 {
			ok = false
		} else {
			delete(h.watches, topic)
		}
	}
	h.mu.Unlock()
	if ok && w.stop != nil {
		w.stop()
	}
}

// handleWS upgrades the connection and runs the client pumps.
func (h *Hub) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: ws upgrade: %v", err)
		return
	}
	client := &wsClient{
		conn:   conn,
		send:   make(chan Frame, sendBufferSize),
		topics: make(map[string]bool),
	}
	if !h.add(client) {
		conn.Close()
		return
	}
	go h.writePump(client)
	h.readPump(client)
}

// readPump consumes subscription messages until the client disconnects.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var sub subscription
		if err := c.conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Topic == "" {
			continue
		}
		switch sub.Action {
		case "subscribe":
			h.subscribe(c, sub.Topic)
		case "unsubscribe":
			h.unsubscribe(c, sub.Topic)
		}
	}
}

// writePump drains the send channel and keeps the connection alive.
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
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
