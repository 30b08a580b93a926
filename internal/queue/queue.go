// Package queue provides the priority task queue shared by worker loops.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/t77yq/backtest-automator/internal/model"
)

type item struct {
	task     *model.Task
	priority Priority
	seq      uint64
}

// taskHeap implements heap.Interface; callers hold Queue.mu
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

// Less compares by priority, then by insertion order
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority.Less(h[j].priority)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*item))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a concurrency-safe priority queue with a bounded retry policy
type Queue struct {
	mu         sync.Mutex
	items      taskHeap
	seq        uint64
	maxRetries int
	closed     bool

	ready chan struct{}
	done  chan struct{}
}

// New creates a queue that allows maxRetries requeues per task
func New(maxRetries int) *Queue {
	q := &Queue{
		maxRetries: maxRetries,
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	heap.Init(&q.items)
	return q
}

// Put inserts a task with the given priority
func (q *Queue) Put(task *model.Task, priority Priority) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.items, &item{task: task, priority: priority, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

// Get blocks until a task is ready, the timeout elapses (ErrEmpty),
// the queue is closed and drained (ErrClosed), or ctx is done.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (*model.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if task, ok := q.TryGet(); ok {
			return task, nil
		}
		if err := q.wait(ctx, timer.C); err != nil {
			return nil, err
		}
	}
}

// TryGet pops the next task without blocking
func (q *Queue) TryGet() (*model.Task, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	it := heap.Pop(&q.items).(*item)
	more := len(q.items) > 0
	q.mu.Unlock()

	if more {
		// pass the wakeup on to the next waiter
		q.signal()
	}
	return it.task, true
}

// Wait blocks until a task may be ready. It returns nil when TryGet is worth
// calling, ErrEmpty once the timeout elapses, ErrClosed once the queue is
// closed and drained, or the error of ctx. Callers that pop under their own
// lock pair it with TryGet.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return q.wait(ctx, timer.C)
}

func (q *Queue) wait(ctx context.Context, expired <-chan time.Time) error {
	q.mu.Lock()
	n, closed := len(q.items), q.closed
	q.mu.Unlock()

	switch {
	case n > 0:
		return nil
	case closed:
		return ErrClosed
	}

	select {
	case <-q.ready:
		return nil
	case <-q.done:
		return ErrClosed
	case <-expired:
		return ErrEmpty
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Requeue puts a failed task back with retry priority while it has retries
// left. Once the retries are used up the task is marked failed, left out of
// the queue, and false is returned.
func (q *Queue) Requeue(task *model.Task) (bool, error) {
	if !q.CanRetry(task) {
		task.Status = model.TaskStatusFailed
		return false, nil
	}
	task.Status = model.TaskStatusPending
	if err := q.Put(task, Retry(task.Attempts)); err != nil {
		return false, err
	}
	return true, nil
}

// CanRetry reports whether a task that just failed may be requeued.
// Attempts counts the failed attempt, so retries used is Attempts-1.
func (q *Queue) CanRetry(task *model.Task) bool {
	return task.Attempts-1 < q.maxRetries
}

// MaxRetries returns the requeue limit per task
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Len returns the number of queued tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether nothing is queued
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Close stops accepting tasks. Queued tasks can still be taken with Get.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain removes and returns every queued task in dispatch order
func (q *Queue) Drain() []*model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.Task, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(*item).task)
	}
	return out
}

// Snapshot returns the queued tasks in dispatch order without removing them
func (q *Queue) Snapshot() []*model.Task {
	q.mu.Lock()
	cp := make(taskHeap, len(q.items))
	copy(cp, q.items)
	q.mu.Unlock()

	out := make([]*model.Task, 0, len(cp))
	for len(cp) > 0 {
		out = append(out, heap.Pop(&cp).(*item).task)
	}
	return out
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
