package job

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCanceled is the cancellation cause set when a client aborts a running
// job. Processors can detect it via context.Cause.
var ErrCanceled = errors.New("canceled by client")

// Processor handles execution of a claimed job.
type Processor interface {
	Process(ctx context.Context, j *Job) error
}

// WorkerPool runs a fixed number of goroutines that claim and process queued
// jobs. The pool is the only component that moves jobs to running, and each
// claimed job is handled by exactly one worker.
type WorkerPool struct {
	registry     Registry
	processor    Processor
	workers      int
	notify       chan struct{}
	pollInterval time.Duration
	timeout      time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewWorkerPool creates a pool with the given number of workers. Each job's
// processor call is bounded by timeout.
func NewWorkerPool(registry Registry, processor Processor, workers int, timeout time.Duration, logger zerolog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &WorkerPool{
		registry:     registry,
		processor:    processor,
		workers:      workers,
		notify:       make(chan struct{}, 1),
		pollInterval: 5 * time.Second,
		timeout:      timeout,
		logger:       logger,
		running:      make(map[string]context.CancelCauseFunc),
	}
}

// Notify wakes idle workers to check for queued jobs. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

// Cancel aborts the job if it is currently being processed. Returns false
// when no worker holds the job.
func (wp *WorkerPool) Cancel(id string) bool {
	wp.mu.Lock()
	cancel, ok := wp.running[id]
	wp.mu.Unlock()
	if ok {
		cancel(ErrCanceled)
	}
	return ok
}

// Run starts worker goroutines and blocks until ctx is cancelled and all
// workers have drained.
func (wp *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (wp *WorkerPool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		// Drain all available queued jobs before waiting.
		wp.drain(ctx, id)

		select {
		case <-ctx.Done():
			return
		case <-wp.notify:
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) drain(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		j, err := wp.registry.ClaimQueued(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // shutting down
			}
			wp.logger.Error().Err(err).Int("worker", id).Msg("worker: claim queued")
			return
		}
		if j == nil {
			return // nothing queued
		}

		wp.logger.Info().Int("worker", id).Str("job_id", j.ID).Msg("worker: picked job")
		wp.process(ctx, id, j)
	}
}

// process invokes the processor with a per-job context that is cancellable by
// clients and bounded by the pool timeout. A panicking processor is recovered
// here and the job failed; the process itself never crashes from a worker.
func (wp *WorkerPool) process(ctx context.Context, id int, j *Job) {
	cancellable, cancelCause := context.WithCancelCause(ctx)
	jobCtx, cancelTimeout := context.WithTimeout(cancellable, wp.timeout)

	wp.mu.Lock()
	wp.running[j.ID] = cancelCause
	wp.mu.Unlock()

	defer func() {
		wp.mu.Lock()
		delete(wp.running, j.ID)
		wp.mu.Unlock()
		cancelTimeout()
		cancelCause(nil)

		if r := recover(); r != nil {
			wp.logger.Error().
				Int("worker", id).
				Str("job_id", j.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("worker: processor panicked")
			// The job context may already be dead; record the failure anyway.
			_, err := wp.registry.Update(context.WithoutCancel(ctx), j.ID, func(jj *Job) error {
				if jj.Status.Terminal() {
					return nil
				}
				jj.Status = StatusFailed
				jj.Error = "internal error"
				return nil
			})
			if err != nil {
				wp.logger.Error().Err(err).Str("job_id", j.ID).Msg("worker: record panic failure")
			}
		}
	}()

	if err := wp.processor.Process(jobCtx, j); err != nil {
		wp.logger.Error().Err(err).Int("worker", id).Str("job_id", j.ID).Msg("worker: job failed")
	}
}
