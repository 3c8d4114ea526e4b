package pool

import (
	"container/heap"
	"context"
	"sync"
)

// PriorityQueue is a bounded, closeable task queue. Pop delivers higher
// priorities first and FIFO within equal priority.
type PriorityQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    taskHeap
	cap      int
	closed   bool
}

// NewPriorityQueue creates a queue holding at most capacity tasks.
func NewPriorityQueue(capacity int) *PriorityQueue {
	if capacity < 1 {
		capacity = 1
	}
	pq := &PriorityQueue{
		items: make(taskHeap, 0, capacity),
		cap:   capacity,
	}
	pq.notEmpty = sync.NewCond(&pq.mu)
	pq.notFull = sync.NewCond(&pq.mu)
	return pq
}

// Push adds task without blocking. It returns ErrPoolFull when the queue
// is at capacity and ErrPoolShutdown after Close.
func (q *PriorityQueue) Push(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrPoolShutdown
	}
	if len(q.items) >= q.cap {
		return ErrPoolFull
	}

	heap.Push(&q.items, task)
	q.notEmpty.Signal()
	return nil
}

// PushWait adds task, blocking while the queue is full until space opens,
// ctx ends, or the queue closes.
func (q *PriorityQueue) PushWait(ctx context.Context, task Task) error {
	stop := context.AfterFunc(ctx, func() {
		// Taking the lock orders the wakeup after the waiter's
		// ctx check, so the cancellation cannot be missed.
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return ErrPoolShutdown
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(q.items) < q.cap {
			heap.Push(&q.items, task)
			q.notEmpty.Signal()
			return nil
		}
		q.notFull.Wait()
	}
}

// PushDropping adds task, evicting the lowest-ranked queued task when the
// queue is full. It reports whether an eviction happened.
func (q *PriorityQueue) PushDropping(task Task) (evicted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrPoolShutdown
	}
	if len(q.items) >= q.cap {
		heap.Remove(&q.items, q.worstLocked())
		evicted = true
	}

	heap.Push(&q.items, task)
	q.notEmpty.Signal()
	return evicted, nil
}

// Pop removes the highest-ranked task, blocking while the queue is empty.
// After Close it keeps delivering queued tasks and reports false once
// drained.
func (q *PriorityQueue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.closed {
			return Task{}, false
		}
		q.notEmpty.Wait()
	}

	task := heap.Pop(&q.items).(Task)
	q.notFull.Signal()
	return task, true
}

// Len returns the number of queued tasks.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes every blocked Push and Pop.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// worstLocked returns the index of the entry Pop would deliver last.
func (q *PriorityQueue) worstLocked() int {
	worst := 0
	for i := 1; i < len(q.items); i++ {
		if !q.items.Less(i, worst) {
			worst = i
		}
	}
	return worst
}

// taskHeap orders tasks by descending priority, then submission time.
type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].SubmittedAt.Before(h[j].SubmittedAt)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
