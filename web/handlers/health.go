package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/haulwise/convmem/internal/storage"
)

// Pinger is implemented by storage backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// breakerState is implemented by *storage.Resilient.
type breakerState interface {
	State() string
}

// HealthHandler serves GET /health. It never requires authentication.
type HealthHandler struct {
	engine  ConversationEngine
	backend Pinger
	logger  zerolog.Logger
	now     func() time.Time
}

// NewHealthHandler creates a health handler. backend may be nil when the
// engine runs without persistence.
func NewHealthHandler(e ConversationEngine, backend Pinger, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		engine:  e,
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// ServeHTTP reports engine counters and storage reachability. An
// unreachable backend degrades the status but still answers 200 since the
// engine keeps serving from memory.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Storage:   "none",
		Engine:    h.engine.Stats(),
		Timestamp: h.now().UTC(),
	}
	if !resp.Engine.Started {
		resp.Status = "starting"
	}

	if h.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp.Storage = "ok"
		if err := h.backend.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("health check: storage unreachable")
			resp.Storage = "unreachable"
			resp.Status = "degraded"
		} else if sp, ok := h.backend.(storage.StatsProvider); ok {
			if stats, err := sp.Stats(ctx); err == nil {
				resp.Database = &stats
			}
		}
		if b, ok := h.backend.(breakerState); ok {
			resp.Breaker = b.State()
		}
	}

	respondJSON(w, http.StatusOK, resp)
}
