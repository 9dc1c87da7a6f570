// Package jobs runs background work on a bounded pool of goroutines.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned when enqueueing onto a queue that is not running.
var ErrQueueClosed = errors.New("queue is not running")

// ErrQueueFull is returned when the buffer is saturated.
var ErrQueueFull = errors.New("queue is full")

// Job is a unit of background work.
type Job struct {
	ID       string
	Type     string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	// DrainTimeout bounds how long Stop keeps handling buffered jobs.
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// Queue dispatches jobs to a fixed set of workers with bounded retries.
// Stopping closes intake first and drains what was already accepted.
type Queue struct {
	name    string
	handler Handler

	workers      int
	maxRetries   int
	retryDelay   time.Duration
	drainTimeout time.Duration
	logger       *zap.Logger

	jobs    chan Job
	closing chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewQueue builds a queue for the given handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:         name,
		handler:      handler,
		workers:      cfg.Workers,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
		jobs:         make(chan Job, cfg.BufferSize),
	}
}

// Start launches the workers. Calling it twice has no effect. Handlers receive
// ctx's values but are only cancelled by Stop or Shutdown.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	q.closing = make(chan struct{})
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(q.ctx, q.closing, i+1)
	}
	q.started = true
	q.logger.Sugar().Infow("queue started", "queue", q.name, "workers", q.workers)
}

// Stop drains accepted jobs for at most the configured drain timeout.
func (q *Queue) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), q.drainTimeout)
	defer cancel()
	_ = q.Shutdown(ctx)
}

// Shutdown rejects new jobs, lets the workers finish the buffered ones and any
// pending retries, and returns once they exit. When ctx ends first the
// handlers are cancelled and the remaining jobs are dropped.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	close(q.closing)
	cancel := q.cancel
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		q.logger.Sugar().Infow("queue stopped", "queue", q.name)
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		dropped := q.discard()
		q.logger.Sugar().Errorw("queue drain timed out", "queue", q.name, "dropped", dropped, "error", ctx.Err())
		return fmt.Errorf("%s: drain: %w", q.name, ctx.Err())
	}
}

// Enqueue pushes a job without blocking. A saturated buffer yields ErrQueueFull.
func (q *Queue) Enqueue(job Job) error {
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return fmt.Errorf("%s: %w", q.name, ErrQueueClosed)
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%s: %w", q.name, ErrQueueFull)
	}
}

// Pending reports the number of buffered jobs.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

func (q *Queue) worker(ctx context.Context, closing <-chan struct{}, workerID int) {
	defer q.wg.Done()
	for {
		select {
		case <-closing:
			q.drain(ctx, closing, workerID)
			return
		case job := <-q.jobs:
			q.process(ctx, closing, workerID, job)
		}
	}
}

func (q *Queue) drain(ctx context.Context, closing <-chan struct{}, workerID int) {
	for ctx.Err() == nil {
		select {
		case job := <-q.jobs:
			q.process(ctx, closing, workerID, job)
		default:
			return
		}
	}
}

func (q *Queue) discard() int {
	dropped := 0
	for {
		select {
		case <-q.jobs:
			dropped++
		default:
			return dropped
		}
	}
}

func (q *Queue) process(ctx context.Context, closing <-chan struct{}, workerID int, job Job) {
	if err := q.handler(ctx, job); err != nil {
		q.handleFailure(ctx, closing, workerID, job, err)
	}
}

func (q *Queue) handleFailure(ctx context.Context, closing <-chan struct{}, workerID int, job Job, err error) {
	job.Attempt++
	if job.Attempt > q.maxRetries {
		q.logger.Sugar().Errorw("job exceeded retries", "queue", q.name, "worker", workerID, "job_id", job.ID, "type", job.Type, "error", err)
		return
	}
	if ctx.Err() != nil {
		q.logger.Sugar().Errorw("job dropped on shutdown", "queue", q.name, "worker", workerID, "job_id", job.ID, "type", job.Type, "error", err)
		return
	}
	q.logger.Sugar().Warnw("job failed, retrying", "queue", q.name, "worker", workerID, "job_id", job.ID, "type", job.Type, "attempt", job.Attempt, "error", err)

	q.wg.Add(1)
	go func(j Job) {
		defer q.wg.Done()
		timer := time.NewTimer(q.retryDelay * time.Duration(j.Attempt))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-closing:
			// Intake is closed, so retry now instead of waiting out the backoff.
			q.process(ctx, closing, workerID, j)
		case <-timer.C:
			if err := q.Enqueue(j); err != nil {
				if errors.Is(err, ErrQueueClosed) {
					q.process(ctx, closing, workerID, j)
					return
				}
				q.logger.Sugar().Errorw("failed to requeue job", "queue", q.name, "job_id", j.ID, "error", err)
			}
		}
	}(job)
}
