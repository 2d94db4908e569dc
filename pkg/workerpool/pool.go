// Package workerpool provides a bounded worker pool for controlled concurrency.
// Batch runs use Run to fan rows out over a fixed number of workers and
// collect the results in submission order.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrShuttingDown is returned when submitting to a stopped pool
	ErrShuttingDown = errors.New("pool is shutting down")
	// ErrQueueFull is returned by TrySubmit when the queue has no room
	ErrQueueFull = errors.New("task queue is full")
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Index   int
	Payload any
	Context context.Context
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Index    int
	Success  bool
	Error    error
	Data     any
	Attempts int
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt number
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for RxNav fair use
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               256,
		MaxRetries:              0,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup
	stopOnce   sync.Once

	// mu guards closed; senders hold it shared so the queue is never closed under them
	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, waiting for room until ctx is done
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}
	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrShuttingDown
	}
}

// TrySubmit queues a task without waiting
func (p *Pool) TrySubmit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}
	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results returns the result channel. It is closed by Stop once every worker has exited.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop closes the queue and waits up to GracefulShutdownTimeout for queued tasks to drain
func (p *Pool) Stop() error {
	return p.shutdown(p.config.GracefulShutdownTimeout)
}

// shutdown closes the queue and waits for workers; a zero timeout waits indefinitely
func (p *Pool) shutdown(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Debug("stopping worker pool")
		p.mu.Lock()
		p.closed = true
		close(p.taskChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}

		select {
		case <-done:
			close(p.resultChan)
			p.logger.Debug("worker pool stopped gracefully")
		case <-expired:
			// workers still running keep the result channel open
			err = fmt.Errorf("worker pool shutdown timed out after %s", timeout)
			p.logger.Warn("worker pool shutdown timed out")
		}
		p.cancel()
	})
	return err
}

// worker is the main worker goroutine
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}
}

// processTask handles a single task with retries
func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	result := p.attempt(ctx, task)
	result.TaskID = task.ID
	result.Index = task.Index

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Debug("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(result.Error))
	}

	p.resultChan <- result
}

func (p *Pool) attempt(ctx context.Context, task *Task) *Result {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{Error: err, Attempts: attempt}
		}

		result := p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{Error: fmt.Errorf("task %s returned no result", task.ID)}
		}
		result.Attempts = attempt + 1
		if result.Success || attempt == p.config.MaxRetries {
			if !result.Success && p.config.MaxRetries > 0 {
				result.Error = fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, result.Error)
			}
			return result
		}
		lastErr = result.Error

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))

		timer := time.NewTimer(p.config.RetryDelay * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Result{Error: ctx.Err(), Attempts: attempt + 1}
		case <-timer.C:
		}
	}
	return &Result{Error: lastErr}
}

// Run processes tasks on a temporary pool and returns one result per task,
// ordered as the tasks were given. Task indexes are overwritten with their
// position. The error is non-nil only when ctx ends before every task ran.
func Run(ctx context.Context, cfg Config, tasks []*Task, fn WorkerFunc, logger *zap.Logger) ([]*Result, error) {
	pool, err := New(cfg, fn, logger)
	if err != nil {
		return nil, err
	}
	pool.Start()

	results := make([]*Result, len(tasks))
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range pool.Results() {
			if r.Index >= 0 && r.Index < len(results) {
				results[r.Index] = r
			}
		}
	}()

	var submitErr error
	for i, task := range tasks {
		task.Index = i
		if task.Context == nil {
			task.Context = ctx
		}
		if submitErr = pool.Submit(ctx, task); submitErr != nil {
			break
		}
	}

	if err := pool.shutdown(0); err != nil {
		return nil, err
	}
	<-collected

	if submitErr != nil {
		return results, submitErr
	}
	return results, ctx.Err()
}

// Stats is a snapshot of pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the queue is not backing up
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
