package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/haulwise/convmem/internal/storage"
	"github.com/haulwise/convmem/pkg/types"
)

// jobKind is the persistence operation a job performs.
type jobKind string

const (
	jobSaveContext   jobKind = "context"
	jobDeleteContext jobKind = "delete"
	jobSaveBank      jobKind = "bank"
)

// persistJob is one write. Contexts and banks are snapshots taken while the
// owning conversation was locked, so a job never observes later mutations.
type persistJob struct {
	kind    jobKind
	key     string // conversation ID, or agent ID for bank jobs
	context *types.ConversationContext
	bank    *types.AgentMemoryBank
	queued  time.Time
}

func (j *persistJob) String() string {
	return fmt.Sprintf("%s %s", j.kind, j.key)
}

// persist sends a job to persistence according to the configured mode.
// Failures are logged and counted, never returned: in-memory state stays
// authoritative.
func (s *ContextStore) persist(ctx context.Context, job *persistJob) {
	if s.persistence == nil {
		return
	}
	job.queued = s.now()

	if s.config.PersistMode == PersistAsync && s.enqueue(job) {
		return
	}
	s.write(ctx, job)
}

// enqueue routes job to the worker that owns its key. Returns false if the
// pool is not running or the shard is full, in which case the caller writes
// inline.
func (s *ContextStore) enqueue(job *persistJob) bool {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()

	if !s.accepting {
		return false
	}

	shard := s.queues[shardFor(job.key, len(s.queues))]
	select {
	case shard <- job:
		s.metrics.QueueDepth(s.queueDepthLocked())
		return true
	default:
		s.logger.Warn().
			Str("job", job.String()).
			Int("queue_size", cap(shard)).
			Msg("persistence queue full, writing inline")
		return false
	}
}

// write performs job once with a bounded timeout detached from the
// caller's cancellation.
func (s *ContextStore) write(ctx context.Context, job *persistJob) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.WriteTimeout)
	defer cancel()

	var err error
	switch job.kind {
	case jobSaveContext:
		err = s.persistence.SaveContext(ctx, job.context)
	case jobSaveBank:
		err = s.persistence.SaveMemoryBank(ctx, job.bank)
	case jobDeleteContext:
		if s.deleter == nil {
			return nil
		}
		err = s.deleter.DeleteContext(ctx, job.key)
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
	}

	s.metrics.PersistenceWrite(string(job.kind), err)
	if err != nil {
		s.logger.Error().Err(err).Str("job", job.String()).Msg("persistence write failed")
	}
	return err
}

// startWorkerPool creates one queue per worker and starts the workers.
func (s *ContextStore) startWorkerPool(ctx context.Context) {
	n := s.config.NumWorkers
	perShard := s.config.QueueSize / n
	if perShard < 1 {
		perShard = 1
	}

	s.queueMu.Lock()
	s.queues = make([]chan *persistJob, n)
	for i := range s.queues {
		s.queues[i] = make(chan *persistJob, perShard)
	}
	s.accepting = true
	s.queueMu.Unlock()

	for i := 0; i < n; i++ {
		s.workerWaitGroup.Add(1)
		go s.persistWorker(ctx, i, s.queues[i])
	}
	s.logger.Info().Int("workers", n).Int("queue_per_worker", perShard).Msg("persistence workers started")
}

// stopWorkerPool stops accepting jobs, lets workers drain what is queued,
// and waits for them with a timeout.
func (s *ContextStore) stopWorkerPool(ctx context.Context) error {
	s.queueMu.Lock()
	s.accepting = false
	s.queueMu.Unlock()

	if s.workerCancel != nil {
		s.workerCancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWaitGroup.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if s.config.ShutdownTimeout > 0 {
		timer := time.NewTimer(s.config.ShutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
		s.logger.Info().Msg("all persistence workers finished gracefully")
		return nil
	case <-timeout:
		s.logger.Warn().Int("remaining", s.queueDepth()).Msg("shutdown timeout reached, queued writes may be dropped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Int("remaining", s.queueDepth()).Msg("context cancelled, queued writes may be dropped")
		return ctx.Err()
	}
}

// persistWorker processes one shard until ctx is cancelled, then drains
// whatever is left in the shard.
func (s *ContextStore) persistWorker(ctx context.Context, workerID int, queue <-chan *persistJob) {
	defer s.workerWaitGroup.Done()

	log := s.logger.With().Int("worker", workerID).Logger()
	log.Debug().Msg("persistence worker started")

	for {
		select {
		case job := <-queue:
			s.processJob(ctx, workerID, job)
		case <-ctx.Done():
			for {
				select {
				case job := <-queue:
					s.processJob(context.Background(), workerID, job)
				default:
					log.Debug().Msg("persistence worker stopped")
					return
				}
			}
		}
	}
}

// processJob writes job, retrying with quadratic backoff (100ms, 400ms,
// 900ms...). Retries happen in place so later jobs for the same key cannot
// overtake this one.
func (s *ContextStore) processJob(ctx context.Context, workerID int, job *persistJob) {
	defer s.metrics.QueueDepth(s.queueDepth())

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * s.retryBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				// Shutting down: one last attempt without waiting.
			}
		}

		err := s.write(ctx, job)
		if err == nil {
			return
		}
		if attempt >= s.config.MaxRetries || errors.Is(err, storage.ErrInvalidInput) {
			s.logger.Error().
				Err(err).
				Int("worker", workerID).
				Str("job", job.String()).
				Int("attempts", attempt+1).
				Msg("giving up on persistence write")
			return
		}
	}
}

func (s *ContextStore) queueDepth() int {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	return s.queueDepthLocked()
}

func (s *ContextStore) queueDepthLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// shardFor maps key to a worker so one key's jobs stay in FIFO order.
func shardFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
