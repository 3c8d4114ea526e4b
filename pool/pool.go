// Package pool schedules pipeline runs across a bounded set of workers.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors.
var (
	ErrPoolFull     = errors.New("worker pool is full")
	ErrPoolShutdown = errors.New("worker pool is shut down")
)

// Task is a unit of work with an optional scheduling priority.
// Priority only matters on prioritized pools; higher values run first.
type Task struct {
	SubmittedAt time.Time
	Fn          func()
	Priority    int
}

// BackpressureStrategy defines how submission behaves when the queue is full.
type BackpressureStrategy int

const (
	// StrategyBlock blocks until space is available or the context ends.
	StrategyBlock BackpressureStrategy = iota

	// StrategyReject immediately rejects new tasks with ErrPoolFull.
	StrategyReject

	// StrategyDropOldest evicts a queued task to make room. On FIFO pools
	// the next task in line is evicted; on prioritized pools the
	// lowest-ranked one is. Evicted tasks never run, so batch callers
	// that wait on every submitted task must not use this strategy.
	StrategyDropOldest

	// StrategyCallerRuns executes the task in the caller's goroutine.
	StrategyCallerRuns
)

// Config configures the worker pool.
type Config struct {
	// MinWorkers is the number of workers kept alive when idle.
	MinWorkers int

	// MaxWorkers caps the number of workers the pool scales up to.
	MaxWorkers int

	// QueueSize is the capacity of the pending-task queue.
	QueueSize int

	// Backpressure defines behavior when the queue is full.
	Backpressure BackpressureStrategy

	// IdleTimeout is how long a surplus worker stays idle before
	// retiring. Prioritized pools keep workers resident until shutdown.
	IdleTimeout time.Duration

	// Prioritized selects priority-ordered scheduling instead of FIFO.
	Prioritized bool
}

// DefaultConfig returns a configuration sized for process-spawning work.
func DefaultConfig() Config {
	return Config{
		MinWorkers:   2,
		MaxWorkers:   16,
		QueueSize:    256,
		Backpressure: StrategyBlock,
		IdleTimeout:  30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	AvgWait        time.Duration
	AvgExec        time.Duration
	TotalSubmitted int64
	TotalCompleted int64
	TotalRejected  int64
	TotalDropped   int64
	TotalCanceled  int64
	TotalPanics    int64
	ActiveWorkers  int
	IdleWorkers    int
	QueueLength    int
	QueueCapacity  int
}

// Pool runs submitted tasks on a bounded, self-scaling set of workers.
type Pool struct {
	taskQueue   chan Task
	pq          *PriorityQueue
	stats       *stats
	shutdownCh  chan struct{}
	cfg         Config
	wg          sync.WaitGroup
	workersMu   sync.Mutex
	workerCount int
	shutdown    int32
}

type stats struct {
	totalSubmitted int64
	totalCompleted int64
	totalRejected  int64
	totalDropped   int64
	totalCanceled  int64
	totalPanics    int64
	totalWait      int64
	totalExec      int64
	activeWorkers  int32
	idleWorkers    int32
}

// New creates a worker pool. Out-of-range config values are normalized
// rather than rejected.
func New(cfg Config) *Pool {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.MaxWorkers * 8
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}

	p := &Pool{
		cfg:        cfg,
		stats:      &stats{},
		shutdownCh: make(chan struct{}),
	}
	if cfg.Prioritized {
		p.pq = NewPriorityQueue(cfg.QueueSize)
	} else {
		p.taskQueue = make(chan Task, cfg.QueueSize)
	}

	p.workersMu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.startWorkerLocked()
	}
	p.workersMu.Unlock()

	go p.autoscale()

	return p
}

// Submit schedules fn on the pool, honoring the backpressure strategy.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	return p.SubmitTask(ctx, Task{Fn: task})
}

// SubmitTask schedules a task carrying an explicit priority.
func (p *Pool) SubmitTask(ctx context.Context, task Task) error {
	if atomic.LoadInt32(&p.shutdown) == 1 {
		return ErrPoolShutdown
	}

	task.SubmittedAt = time.Now()
	atomic.AddInt64(&p.stats.totalSubmitted, 1)

	if p.pq != nil {
		return p.submitPriority(ctx, task)
	}

	switch p.cfg.Backpressure {
	case StrategyReject:
		return p.submitNonBlocking(task)
	case StrategyCallerRuns:
		return p.submitCallerRuns(task)
	case StrategyDropOldest:
		return p.submitDropOldest(task)
	default:
		return p.submitBlocking(ctx, task)
	}
}

func (p *Pool) submitBlocking(ctx context.Context, task Task) error {
	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&p.stats.totalCanceled, 1)
		return ctx.Err()
	case <-p.shutdownCh:
		return ErrPoolShutdown
	}
}

func (p *Pool) submitNonBlocking(task Task) error {
	select {
	case p.taskQueue <- task:
		return nil
	default:
		atomic.AddInt64(&p.stats.totalRejected, 1)
		return ErrPoolFull
	}
}

func (p *Pool) submitCallerRuns(task Task) error {
	select {
	case p.taskQueue <- task:
		return nil
	default:
		p.executeTask(task)
		return nil
	}
}

func (p *Pool) submitDropOldest(task Task) error {
	select {
	case p.taskQueue <- task:
		return nil
	default:
	}

	select {
	case <-p.taskQueue:
		atomic.AddInt64(&p.stats.totalDropped, 1)
	default:
	}

	select {
	case p.taskQueue <- task:
		return nil
	default:
		atomic.AddInt64(&p.stats.totalRejected, 1)
		return ErrPoolFull
	}
}

func (p *Pool) submitPriority(ctx context.Context, task Task) error {
	switch p.cfg.Backpressure {
	case StrategyReject:
		err := p.pq.Push(task)
		if errors.Is(err, ErrPoolFull) {
			atomic.AddInt64(&p.stats.totalRejected, 1)
		}
		return err

	case StrategyCallerRuns:
		err := p.pq.Push(task)
		if errors.Is(err, ErrPoolFull) {
			p.executeTask(task)
			return nil
		}
		return err

	case StrategyDropOldest:
		evicted, err := p.pq.PushDropping(task)
		if evicted {
			atomic.AddInt64(&p.stats.totalDropped, 1)
		}
		return err

	default:
		err := p.pq.PushWait(ctx, task)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			atomic.AddInt64(&p.stats.totalCanceled, 1)
		}
		return err
	}
}

// Stats returns a snapshot of pool counters. Queue length and capacity
// are instantaneous reads and may lag concurrent activity.
func (p *Pool) Stats() Stats {
	queueLen, queueCap := p.queueDepth()

	return Stats{
		AvgWait:        p.avgWait(),
		AvgExec:        p.avgExec(),
		TotalSubmitted: atomic.LoadInt64(&p.stats.totalSubmitted),
		TotalCompleted: atomic.LoadInt64(&p.stats.totalCompleted),
		TotalRejected:  atomic.LoadInt64(&p.stats.totalRejected),
		TotalDropped:   atomic.LoadInt64(&p.stats.totalDropped),
		TotalCanceled:  atomic.LoadInt64(&p.stats.totalCanceled),
		TotalPanics:    atomic.LoadInt64(&p.stats.totalPanics),
		ActiveWorkers:  int(atomic.LoadInt32(&p.stats.activeWorkers)),
		IdleWorkers:    int(atomic.LoadInt32(&p.stats.idleWorkers)),
		QueueLength:    queueLen,
		QueueCapacity:  queueCap,
	}
}

func (p *Pool) queueDepth() (length, capacity int) {
	if p.pq != nil {
		return p.pq.Len(), p.cfg.QueueSize
	}
	return len(p.taskQueue), cap(p.taskQueue)
}

// Resize grows the worker set toward n, bounded by MaxWorkers. Workers
// are never stopped here; surplus ones retire on their own once idle.
func (p *Pool) Resize(n int) {
	if n < 1 {
		n = 1
	}

	p.workersMu.Lock()
	defer p.workersMu.Unlock()

	for p.workerCount < n && p.workerCount < p.cfg.MaxWorkers {
		p.startWorkerLocked()
	}
}

// Shutdown stops accepting tasks, runs what is already queued, and waits
// for workers to finish. Waiting stops early when ctx ends.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.shutdown, 0, 1) {
		return nil
	}

	close(p.shutdownCh)
	if p.pq != nil {
		p.pq.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		if p.pq == nil {
			p.drainQueue()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) startWorkerLocked() {
	p.workerCount++
	p.wg.Add(1)
	if p.pq != nil {
		go p.runPriorityWorker()
	} else {
		go p.runWorker()
	}
}

func (p *Pool) runWorker() {
	defer p.wg.Done()

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		atomic.AddInt32(&p.stats.idleWorkers, 1)

		select {
		case task := <-p.taskQueue:
			atomic.AddInt32(&p.stats.idleWorkers, -1)
			atomic.AddInt32(&p.stats.activeWorkers, 1)
			p.executeTask(task)
			atomic.AddInt32(&p.stats.activeWorkers, -1)

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout)

		case <-idle.C:
			atomic.AddInt32(&p.stats.idleWorkers, -1)
			if p.tryRetire() {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)

		case <-p.shutdownCh:
			atomic.AddInt32(&p.stats.idleWorkers, -1)
			p.drainQueue()
			return
		}
	}
}

func (p *Pool) runPriorityWorker() {
	defer p.wg.Done()

	for {
		atomic.AddInt32(&p.stats.idleWorkers, 1)
		task, ok := p.pq.Pop()
		atomic.AddInt32(&p.stats.idleWorkers, -1)
		if !ok {
			return
		}

		atomic.AddInt32(&p.stats.activeWorkers, 1)
		p.executeTask(task)
		atomic.AddInt32(&p.stats.activeWorkers, -1)
	}
}

func (p *Pool) drainQueue() {
	for {
		select {
		case task := <-p.taskQueue:
			atomic.AddInt32(&p.stats.activeWorkers, 1)
			p.executeTask(task)
			atomic.AddInt32(&p.stats.activeWorkers, -1)
		default:
			return
		}
	}
}

func (p *Pool) executeTask(task Task) {
	start := time.Now()
	atomic.AddInt64(&p.stats.totalWait, int64(start.Sub(task.SubmittedAt)))

	defer func() {
		// A panicking task must not take the worker down with it.
		if r := recover(); r != nil {
			atomic.AddInt64(&p.stats.totalPanics, 1)
		}
		atomic.AddInt64(&p.stats.totalExec, int64(time.Since(start)))
		atomic.AddInt64(&p.stats.totalCompleted, 1)
	}()

	if task.Fn != nil {
		task.Fn()
	}
}

// tryRetire decides under the lock whether this worker may exit, so two
// workers timing out together cannot both retire past MinWorkers.
func (p *Pool) tryRetire() bool {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()

	if p.workerCount > p.cfg.MinWorkers {
		p.workerCount--
		return true
	}
	return false
}

const scaleInterval = time.Second

func (p *Pool) autoscale() {
	ticker := time.NewTicker(scaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.maybeScale()
		case <-p.shutdownCh:
			return
		}
	}
}

func (p *Pool) maybeScale() {
	queueLen, queueCap := p.queueDepth()
	utilization := float64(queueLen) / float64(queueCap)

	p.workersMu.Lock()
	defer p.workersMu.Unlock()

	if utilization > 0.75 && p.workerCount < p.cfg.MaxWorkers {
		toAdd := (p.cfg.MaxWorkers - p.workerCount) / 2
		if toAdd < 1 {
			toAdd = 1
		}
		for i := 0; i < toAdd; i++ {
			p.startWorkerLocked()
		}
	}
}

func (p *Pool) avgWait() time.Duration {
	completed := atomic.LoadInt64(&p.stats.totalCompleted)
	if completed == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&p.stats.totalWait) / completed)
}

func (p *Pool) avgExec() time.Duration {
	completed := atomic.LoadInt64(&p.stats.totalCompleted)
	if completed == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&p.stats.totalExec) / completed)
}
