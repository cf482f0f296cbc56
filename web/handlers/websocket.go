package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/internal/metrics"
)

// WebSocketHub manages WebSocket connections and broadcasts engine events.
// Clients may subscribe to one agent or one client with the agentId and
// clientId query parameters; without them they receive everything.
type WebSocketHub struct {
	clients    map[clientInterface]bool
	broadcast  chan outbound
	register   chan clientInterface
	unregister chan clientInterface
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc

	origins []string
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// outbound is one message plus the routing keys used for filtering.
type outbound struct {
	payload  interface{}
	agentID  string
	clientID string
}

// clientInterface allows for both real clients and mock clients.
type clientInterface interface {
	getSendChannel() chan []byte
	accepts(agentID, clientID string) bool
	close()
}

// subscription filters what a client receives. Empty fields match anything.
type subscription struct {
	agentID  string
	clientID string
}

func (s subscription) accepts(agentID, clientID string) bool {
	if s.agentID != "" && agentID != "" && s.agentID != agentID {
		return false
	}
	if s.clientID != "" && clientID != "" && s.clientID != clientID {
		return false
	}
	return true
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
	sub  subscription
}

func (c *Client) getSendChannel() chan []byte {
	return c.send
}

func (c *Client) accepts(agentID, clientID string) bool {
	return c.sub.accepts(agentID, clientID)
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
}

// NewWebSocketHub creates a new WebSocket hub. origins are host patterns
// accepted in the Origin header; same-host requests are always allowed.
func NewWebSocketHub(origins []string, m *metrics.Metrics, logger zerolog.Logger) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		clients:    make(map[clientInterface]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan clientInterface),
		unregister: make(chan clientInterface),
		ctx:        ctx,
		cancel:     cancel,
		origins:    origins,
		metrics:    m,
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
}

// Run starts the hub's message processing loop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.ctx.Err() != nil {
				close(client.getSendChannel())
				h.mu.Unlock()
				continue
			}
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWebSocketClients(count)
			h.logger.Debug().Int("total", count).Msg("websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.getSendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWebSocketClients(count)
			h.logger.Debug().Int("total", count).Msg("websocket client disconnected")

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg.payload)
			if err != nil {
				h.logger.Error().Err(err).Msg("failed to marshal websocket message")
				continue
			}

			// Full lock because slow clients are removed in the default branch.
			h.mu.Lock()
			for client := range h.clients {
				if !client.accepts(msg.agentID, msg.clientID) {
					continue
				}
				sendChan := client.getSendChannel()
				select {
				case sendChan <- data:
				default:
					close(sendChan)
					delete(h.clients, client)
					h.logger.Warn().Msg("websocket client too slow, disconnected")
				}
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWebSocketClients(count)

		case <-h.ctx.Done():
			h.logger.Info().Msg("websocket hub stopping")
			return
		}
	}
}

// Stop gracefully shuts down the hub.
func (h *WebSocketHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.getSendChannel())
		client.close()
	}
	h.clients = make(map[clientInterface]bool)
	h.mu.Unlock()
	h.metrics.SetWebSocketClients(0)
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WebSocketHub) Broadcast(message interface{}) {
	h.enqueue(outbound{payload: message})
}

// BroadcastEvent sends an engine event to the clients subscribed to its
// agent or client. It has the signature of an engine event callback.
func (h *WebSocketHub) BroadcastEvent(e engine.Event) {
	h.enqueue(outbound{payload: e, agentID: e.AgentID, clientID: e.ClientID})
}

func (h *WebSocketHub) enqueue(msg outbound) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn().Msg("websocket broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(client clientInterface) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub. It returns immediately once
// the hub has stopped.
func (h *WebSocketHub) Unregister(client clientInterface) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Accept rejects cross-origin requests that match none of the patterns.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	q := r.URL.Query()
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub: subscription{
			agentID:  q.Get("agentId"),
			clientID: q.Get("clientId"),
		},
	}

	h.Register(client)

	go client.writePump()
	go client.readPump()
}

// writePump sends messages to the WebSocket connection.
func (c *Client) writePump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(c.hub.ctx, 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()

		if err != nil {
			c.hub.logger.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}

// readPump drains incoming frames so disconnects are noticed. Clients have
// nothing to send.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
	}()

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}

// MockClient is a mock client for testing. Empty AgentID and ClientID
// subscribe to everything.
type MockClient struct {
	SendChan chan []byte
	AgentID  string
	ClientID string
}

func (m *MockClient) getSendChannel() chan []byte {
	return m.SendChan
}

func (m *MockClient) accepts(agentID, clientID string) bool {
	return subscription{agentID: m.AgentID, clientID: m.ClientID}.accepts(agentID, clientID)
}

func (m *MockClient) close() {}
