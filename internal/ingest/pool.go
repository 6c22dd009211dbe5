package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wsrpc/internal/monitoring"
)

// Task is a unit of ingest work executed by a pool worker.
type Task func()

// Pool is a fixed-size worker pool that decouples broker consumption from
// fanout. Without it a burst of broker messages would spawn one goroutine
// per message and starve the read/write pumps.
//
// When the queue is full, Submit drops the task and counts it instead of
// blocking the consumer loop.
type Pool struct {
	workerCount int
	tasks       chan Task
	wg          sync.WaitGroup
	dropped     int64
	logger      zerolog.Logger
}

func NewPool(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		workerCount: workerCount,
		tasks:       make(chan Task, queueSize),
		logger:      logger.With().Str("component", "ingest_pool").Logger(),
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			if task != nil {
				p.run(task)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(task Task) {
	defer monitoring.RecoverPanic(p.logger, "ingest_task")
	task()
}

// Submit enqueues a task without blocking. Full queue drops the task; the
// broker retains persistent data, so dropped transient fanout is acceptable
// backpressure.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
}

// Stop waits for workers to exit. Cancel the Start context first.
func (p *Pool) Stop() {
	p.wg.Wait()
}

func (p *Pool) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}

func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}
