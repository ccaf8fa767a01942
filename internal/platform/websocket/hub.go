// Package websocket streams search events to UI clients. Clients subscribe
// to topics and receive every event published on them.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event is one notification about a search, sent to WebSocket clients.
type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	SearchID   string          `json:"searchId,omitempty"`
	Generation uint64          `json:"generation,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with data marshalled to JSON.
func NewEvent(topic, typ, searchID string, generation uint64, data interface{}) (Event, error) {
	ev := Event{
		Type:       typ,
		Topic:      topic,
		SearchID:   searchID,
		Generation: generation,
		Timestamp:  time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// ClientMessage is what a UI sends to change its subscriptions.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher delivers events to whoever listens on their topic.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

const (
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Client is one connected UI. Its topic set is owned by the hub.
type Client struct {
	ID   string
	Send chan []byte

	topics map[string]struct{}
}

// NewClient creates a client with a send buffer of the given size,
// subscribed to topics once registered.
func NewClient(id string, buffer int, topics ...string) *Client {
	c := &Client{ID: id, Send: make(chan []byte, buffer), topics: make(map[string]struct{}, len(topics))}
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	return c
}

// Hub tracks connected clients and routes events to topic subscribers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Client]struct{}
	clients map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:    make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket-hub").Logger(),
	}
}

// Register adds c and its initial topics.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	for t := range c.topics {
		h.join(c, t)
	}
}

// Unregister drops c and closes its Send channel. Unknown clients are
// ignored, so the call is safe to repeat.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	for t := range c.topics {
		h.leave(c, t)
	}
	delete(h.clients, c)
	close(c.Send)
}

// Subscribe adds topics to a registered client. Unregistered clients are
// left alone, since their Send channel may already be closed.
func (h *Hub) Subscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	for _, t := range topics {
		c.topics[t] = struct{}{}
		h.join(c, t)
	}
}

func (h *Hub) Unsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
		h.leave(c, t)
	}
}

// join and leave require h.mu held for writing.
func (h *Hub) join(c *Client, topic string) {
	set := h.subs[topic]
	if set == nil {
		set = make(map[*Client]struct{})
		h.subs[topic] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) leave(c *Client, topic string) {
	set, ok := h.subs[topic]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, topic)
	}
}

// Topics returns the sorted topics c is subscribed to.
func (h *Hub) Topics(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ProcessMessage applies a subscribe or unsubscribe request. Other actions
// are ignored.
func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(c, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
	default:
		h.logger.Debug().Str("client", c.ID).Str("action", msg.Action).Msg("ignoring client message")
	}
}

// Broadcast sends event to every subscriber of topic. A client whose
// buffer is full misses the event rather than stalling the search.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for c := range h.subs[topic] {
		select {
		case c.Send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn().Int("clients", dropped).Str("topic", topic).Str("type", event.Type).Msg("client buffer full, event dropped")
	}
}

// Publish broadcasts event on its own topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicCount returns the number of subscribers of topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// ---------------------------------------------------------------------------
// WebSocketHandler
// ---------------------------------------------------------------------------

// WebSocketHandler upgrades HTTP requests and pumps hub events to them.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler creates a handler bound to hub. Only the listed
// origins may connect; "*" or an empty list allows any.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the request and starts the client's pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.New().String(), sendBuffer)
	wsh.hub.Register(client)
	wsh.hub.logger.Debug().Str("client", client.ID).Msg("websocket client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

// readPump applies client messages until the connection fails or stops
// answering pings.
func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.hub.logger.Debug().Str("client", client.ID).Msg("websocket client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				continue
			}
			return
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

// writePump is the only writer on ws. It exits when Send is closed.
func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
