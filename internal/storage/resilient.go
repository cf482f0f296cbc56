package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/haulwise/convmem/pkg/types"
)

// BreakerConfig holds the configuration for the persistence circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 5
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required in
	// half-open state to close the circuit again.
	// Default: 1
	HalfOpenMaxSuccesses uint32

	// MaxRetries is how many times a failed write is retried while the circuit
	// is closed. Default: 2
	MaxRetries int

	// RetryBackoff is the base delay between retries (grows quadratically).
	// Default: 50ms
	RetryBackoff time.Duration
}

// DefaultBreakerConfig returns the defaults documented on BreakerConfig.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:          5,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 1,
		MaxRetries:           2,
		RetryBackoff:         50 * time.Millisecond,
	}
}

// BreakerMetrics holds counters about calls made through the breaker.
type BreakerMetrics struct {
	TotalRequests       uint64
	TotalFailures       uint64
	TotalRetries        uint64
	TotalRejected       uint64
	ConsecutiveFailures uint32
}

// Resilient wraps a Backend so that a failing database trips a circuit
// breaker instead of stalling every mutation on timeouts. Writes are retried
// with backoff while the circuit is closed.
type Resilient struct {
	backend Backend
	breaker *gobreaker.CircuitBreaker
	config  BreakerConfig
	logger  zerolog.Logger

	mu      sync.RWMutex
	metrics BreakerMetrics
}

// NewResilient wraps backend with a circuit breaker.
func NewResilient(backend Backend, config BreakerConfig, logger zerolog.Logger) *Resilient {
	r := &Resilient{
		backend: backend,
		config:  config,
		logger:  logger.With().Str("component", "persistence").Logger(),
	}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "persistence",
		MaxRequests: config.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("persistence circuit changed state")
		},
		IsSuccessful: func(err error) bool {
			// A missing row is an answer, not an outage.
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput)
		},
	})
	return r
}

// Unwrap returns the wrapped backend.
func (r *Resilient) Unwrap() Backend {
	return r.backend
}

// LoadAllContexts implements Persistence.
func (r *Resilient) LoadAllContexts(ctx context.Context) ([]*types.ConversationContext, error) {
	var out []*types.ConversationContext
	err := r.execute(ctx, "load_contexts", func() error {
		var err error
		out, err = r.backend.LoadAllContexts(ctx)
		return err
	})
	return out, err
}

// LoadAllMemoryBanks implements Persistence.
func (r *Resilient) LoadAllMemoryBanks(ctx context.Context) ([]*types.AgentMemoryBank, error) {
	var out []*types.AgentMemoryBank
	err := r.execute(ctx, "load_banks", func() error {
		var err error
		out, err = r.backend.LoadAllMemoryBanks(ctx)
		return err
	})
	return out, err
}

// SaveContext implements Persistence.
func (r *Resilient) SaveContext(ctx context.Context, c *types.ConversationContext) error {
	return r.execute(ctx, "save_context", func() error {
		return r.backend.SaveContext(ctx, c)
	})
}

// SaveMemoryBank implements Persistence.
func (r *Resilient) SaveMemoryBank(ctx context.Context, b *types.AgentMemoryBank) error {
	return r.execute(ctx, "save_bank", func() error {
		return r.backend.SaveMemoryBank(ctx, b)
	})
}

// DeleteContext implements ContextDeleter.
func (r *Resilient) DeleteContext(ctx context.Context, conversationID string) error {
	return r.execute(ctx, "delete_context", func() error {
		return r.backend.DeleteContext(ctx, conversationID)
	})
}

// Ping checks the backend directly, bypassing the breaker so health checks
// report the real state.
func (r *Resilient) Ping(ctx context.Context) error {
	return r.backend.Ping(ctx)
}

// Close closes the wrapped backend.
func (r *Resilient) Close() error {
	return r.backend.Close()
}

// Stats forwards to the backend when it reports stats.
func (r *Resilient) Stats(ctx context.Context) (Stats, error) {
	sp, ok := r.backend.(StatsProvider)
	if !ok {
		return Stats{}, fmt.Errorf("%w: backend does not report stats", ErrInvalidInput)
	}
	return sp.Stats(ctx)
}

// State returns the current state of the breaker: "closed", "open" or "half-open".
func (r *Resilient) State() string {
	return r.breaker.State().String()
}

// Metrics returns a snapshot of the breaker counters.
func (r *Resilient) Metrics() BreakerMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.metrics
	m.ConsecutiveFailures = r.breaker.Counts().ConsecutiveFailures
	return m
}

// execute runs fn through the breaker, retrying transient failures.
func (r *Resilient) execute(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			r.record(func(m *BreakerMetrics) { m.TotalRetries++ })
			backoff := time.Duration(attempt*attempt) * r.config.RetryBackoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		r.record(func(m *BreakerMetrics) { m.TotalRequests++ })

		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.record(func(m *BreakerMetrics) { m.TotalRejected++ })
			return fmt.Errorf("%w: %s rejected (circuit %s)", ErrPersistenceUnavailable, op, r.State())
		}

		// Caller errors are not retried.
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnsupportedVersion) {
			return err
		}

		r.record(func(m *BreakerMetrics) { m.TotalFailures++ })
		lastErr = err
		r.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("persistence call failed")
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, r.config.MaxRetries+1, lastErr)
}

func (r *Resilient) record(update func(m *BreakerMetrics)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update(&r.metrics)
}
