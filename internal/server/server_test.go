package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulwise/convmem/internal/config"
	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/internal/memorybank"
	"github.com/haulwise/convmem/internal/metrics"
	"github.com/haulwise/convmem/internal/server"
	"github.com/haulwise/convmem/internal/storage/memstore"
	"github.com/haulwise/convmem/web/handlers"
)

type testEnv struct {
	store   *engine.ContextStore
	backend *memstore.Store
	srv     *server.Server
}

func newEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	backend := memstore.New()
	t.Cleanup(func() { _ = backend.Close() })

	ecfg := engine.DefaultConfig()
	ecfg.PersistMode = engine.PersistSync
	store, err := engine.NewContextStore(backend, memorybank.NewRegistry(zerolog.Nop()), ecfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Shutdown(context.Background()) })

	reg := prometheus.NewRegistry()
	srv := server.New(cfg, server.Deps{
		Engine:   store,
		Backend:  backend,
		Metrics:  metrics.New(reg),
		Gatherer: reg,
		Logger:   zerolog.Nop(),
	})
	return &testEnv{store: store, backend: backend, srv: srv}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0
	return cfg
}

func request(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newEnv(t, testConfig())

	w := request(t, env.srv.Handler(), http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Storage)
	assert.True(t, resp.Engine.Started)
}

func TestHealth_DegradedWhenBackendClosed(t *testing.T) {
	env := newEnv(t, testConfig())
	require.NoError(t, env.backend.Close())

	w := request(t, env.srv.Handler(), http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestAPIRoutesThroughMiddleware(t *testing.T) {
	env := newEnv(t, testConfig())
	h := env.srv.Handler()

	w := request(t, h, http.MethodPost, "/api/conversations",
		`{"conversationId":"c1","clientId":"client-1","agentId":"agent-1"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = request(t, h, http.MethodPost, "/api/conversations/c1/messages",
		`{"content":"I need help with invoices","sender":"user"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Len(t, env.store.GetContext("c1").ConversationHistory, 1)

	saved, err := env.backend.LoadAllContexts(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Len(t, saved[0].ConversationHistory, 1)
}

func TestProductionModeRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Security.SecurityMode = "production"
	cfg.Security.APIToken = "s3cret"
	env := newEnv(t, cfg)
	h := env.srv.Handler()

	w := request(t, h, http.MethodGet, "/api/agents/agent-1/conversations", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = request(t, h, http.MethodGet, "/api/agents/agent-1/conversations", "", "s3cret")
	assert.Equal(t, http.StatusOK, w.Code)

	// Monitoring endpoints stay open.
	w = request(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, testConfig())
	h := env.srv.Handler()

	request(t, h, http.MethodGet, "/api/conversations/missing", "", "")

	w := request(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "convmem_http_requests_total")
	assert.Contains(t, body, `route="GET /api/conversations/{id}"`)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = 1
	cfg.Server.RateBurst = 1
	env := newEnv(t, cfg)
	h := env.srv.Handler()

	assert.Equal(t, http.StatusOK, request(t, h, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, request(t, h, http.MethodGet, "/health", "", "").Code)
}

func TestEngineEventsReachHub(t *testing.T) {
	env := newEnv(t, testConfig())
	hub := env.srv.Hub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	received := make(chan []byte, 4)
	hub.Register(&handlers.MockClient{SendChan: received, AgentID: "agent-1"})

	_, err := env.store.CreateConversation(context.Background(), "c1", "client-1", "agent-1", nil)
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Contains(t, string(msg), `"type":"context_created"`)
		assert.Contains(t, string(msg), `"conversationId":"c1"`)
	case <-time.After(time.Second):
		t.Fatal("no event broadcast")
	}
}

func TestStartServesAndStopsOnCancel(t *testing.T) {
	env := newEnv(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	addr, err := env.srv.Start(ctx)
	require.NoError(t, err)
	assert.NotContains(t, addr, ":0")

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")

	cancel()
	assert.Eventually(t, func() bool {
		_, err := http.Get("http://" + addr + "/health")
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	env := newEnv(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := env.srv.Start(ctx)
	require.NoError(t, err)

	cfg := testConfig()
	_, port, _ := strings.Cut(addr, ":")
	cfg.Server.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	other := newEnv(t, cfg)
	_, err = other.srv.Start(ctx)
	assert.Error(t, err)
}
