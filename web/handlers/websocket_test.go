package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/web/handlers"
)

func newHub(t *testing.T) *handlers.WebSocketHub {
	t.Helper()
	hub := handlers.NewWebSocketHub([]string{"localhost:*", "127.0.0.1:*"}, nil, zerolog.Nop())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast message")
		return nil
	}
}

func TestWebSocketHub_ValidatesOrigin(t *testing.T) {
	hub := handlers.NewWebSocketHub([]string{"localhost:6464"}, nil, zerolog.Nop())
	defer hub.Stop()

	// Test with invalid origin - should reject with 403
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "http://evil.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	w := httptest.NewRecorder()
	hub.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub := newHub(t)

	received := make(chan []byte, 1)
	hub.Register(&handlers.MockClient{SendChan: received})

	hub.Broadcast(map[string]interface{}{
		"type": "test",
		"data": "hello",
	})

	msg := receive(t, received)
	assert.Contains(t, string(msg), "test")
	assert.Contains(t, string(msg), "hello")
}

func TestWebSocketHub_BroadcastEventFiltersBySubscription(t *testing.T) {
	hub := newHub(t)

	all := make(chan []byte, 4)
	agent1 := make(chan []byte, 4)
	agent2 := make(chan []byte, 4)
	client9 := make(chan []byte, 4)
	hub.Register(&handlers.MockClient{SendChan: all})
	hub.Register(&handlers.MockClient{SendChan: agent1, AgentID: "agent-1"})
	hub.Register(&handlers.MockClient{SendChan: agent2, AgentID: "agent-2"})
	hub.Register(&handlers.MockClient{SendChan: client9, ClientID: "client-9"})

	hub.BroadcastEvent(engine.Event{
		Type:           engine.EventMessageAdded,
		ConversationID: "c1",
		ClientID:       "client-1",
		AgentID:        "agent-1",
	})

	var e engine.Event
	require.NoError(t, json.Unmarshal(receive(t, all), &e))
	assert.Equal(t, engine.EventMessageAdded, e.Type)
	assert.Equal(t, "c1", e.ConversationID)
	receive(t, agent1)

	// Agent-level events reach client subscribers of that agent too.
	hub.BroadcastEvent(engine.Event{Type: engine.EventBankImported, AgentID: "agent-2"})
	receive(t, all)
	receive(t, agent2)
	receive(t, client9)

	assert.Empty(t, agent1)
	assert.Empty(t, agent2)
	assert.Empty(t, client9)
}

func TestWebSocketHub_UnregisterClosesSendChannel(t *testing.T) {
	hub := newHub(t)

	ch := make(chan []byte, 1)
	client := &handlers.MockClient{SendChan: ch}
	hub.Register(client)
	hub.Unregister(client)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "send channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("send channel was not closed")
	}
	assert.Equal(t, 0, hub.ClientCount())
}

func TestWebSocketHub_UnregisterAfterStopDoesNotBlock(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil, nil, zerolog.Nop())
	go hub.Run()
	hub.Stop()

	done := make(chan struct{})
	go func() {
		hub.Register(&handlers.MockClient{SendChan: make(chan []byte, 1)})
		hub.Unregister(&handlers.MockClient{SendChan: make(chan []byte, 1)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Register/Unregister blocked after Stop")
	}
}

func TestWebSocketHub_EndToEnd(t *testing.T) {
	hub := newHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?agentId=agent-1"
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.BroadcastEvent(engine.Event{Type: engine.EventContextUpdated, AgentID: "agent-2", ConversationID: "other"})
	hub.BroadcastEvent(engine.Event{Type: engine.EventContextCreated, AgentID: "agent-1", ConversationID: "mine"})

	_, data, err := conn.Read(ctx) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	require.NoError(t, err)

	var e engine.Event
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, "mine", e.ConversationID)
	assert.Equal(t, engine.EventContextCreated, e.Type)
}
