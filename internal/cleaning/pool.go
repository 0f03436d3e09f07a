package cleaning

import (
	"errors"
	"os"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrPoolFull   = errors.New("worker pool queue is full")
)

// Task is one unit of work dispatched onto the pool.
type Task struct {
	Name string
	Run  func()
}

// WorkerPool is a bounded pool of cleaning workers. Workers share nothing;
// each task owns its dataset exclusively for the duration of the run.
type WorkerPool struct {
	tasks   chan Task
	done    chan struct{}
	workers int
	closed  bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
	logger  *logrus.Logger
}

// DefaultWorkers returns the hardware concurrency capped at cap.
func DefaultWorkers(cap int) int {
	n := runtime.NumCPU()
	if cap > 0 && n > cap {
		n = cap
	}
	if n < 1 {
		n = 1
	}
	return n
}

// NewWorkerPool starts workers goroutines consuming submitted tasks.
func NewWorkerPool(workers, bufferSize int, logger *logrus.Logger) *WorkerPool {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if workers < 1 {
		workers = 1
	}
	if bufferSize < workers {
		bufferSize = workers
	}

	p := &WorkerPool{
		tasks:   make(chan Task, bufferSize),
		done:    make(chan struct{}),
		workers: workers,
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	return p
}

// Submit enqueues a task without blocking; a full queue returns ErrPoolFull
// so the caller can fall back to sequential execution.
func (p *WorkerPool) Submit(t Task) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.mu.RUnlock()

	select {
	case p.tasks <- t:
		p.logger.WithField("task", t.Name).Debug("Task submitted to worker pool")
		return nil
	default:
		return ErrPoolFull
	}
}

// Workers returns the number of pool workers.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsClosed returns whether the pool has been closed.
func (p *WorkerPool) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close stops the workers. Submitted but unstarted tasks are discarded.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) work(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case t := <-p.tasks:
			p.logger.WithFields(logrus.Fields{
				"worker": id,
				"task":   t.Name,
			}).Debug("Worker picked up task")
			t.Run()
		}
	}
}
